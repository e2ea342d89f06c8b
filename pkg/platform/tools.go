package platform

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-coldcall-trainer/pkg/access"
	"github.com/txn2/mcp-coldcall-trainer/pkg/audit"
	"github.com/txn2/mcp-coldcall-trainer/pkg/call"
	"github.com/txn2/mcp-coldcall-trainer/pkg/failure"
	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
	"github.com/txn2/mcp-coldcall-trainer/pkg/progress"
	"github.com/txn2/mcp-coldcall-trainer/pkg/session"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// Tool names.
const (
	toolCheckAccess = "check_access"
	toolStartCall   = "start_call"
	toolSay         = "say"
	toolHangUp      = "hang_up"
	toolCallState   = "call_state"
	toolGetProgress = "get_progress"
	toolListCalls   = "list_calls"
	toolCallStats   = "call_stats"
)

// Error kinds reported for failures outside the failure taxonomy.
const (
	errKindNotFound     = "not_found"
	errKindInvalidState = "invalid_state"
	errKindInvalidInput = "invalid_input"
)

// hangUpWait bounds how long hang_up waits for the scored outcome.
const hangUpWait = 10 * time.Second

type checkAccessInput struct {
	Module string        `json:"module" jsonschema:"module ID from the catalog"`
	Mode   training.Mode `json:"mode" jsonschema:"practice, marathon or legend"`
}

type startCallInput struct {
	Module    string        `json:"module" jsonschema:"module ID from the catalog"`
	Mode      training.Mode `json:"mode" jsonschema:"practice, marathon or legend"`
	AttemptID string        `json:"attempt_id,omitempty" jsonschema:"optional idempotency key; retrying with the same key does not consume another attempt"`
}

type sayInput struct {
	CallID string `json:"call_id" jsonschema:"call ID returned by start_call"`
	Text   string `json:"text" jsonschema:"what the caller says next"`
}

type callInput struct {
	CallID string `json:"call_id" jsonschema:"call ID returned by start_call"`
}

type callStateInput struct {
	CallID string `json:"call_id,omitempty" jsonschema:"call ID; omit to list your registered calls"`
}

type getProgressInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"admin only: another trainee's user ID"`
}

type listCallsInput struct {
	UserID string        `json:"user_id,omitempty" jsonschema:"admin only: another trainee's user ID"`
	Module string        `json:"module,omitempty"`
	Mode   training.Mode `json:"mode,omitempty"`
	Passed *bool         `json:"passed,omitempty"`
	Since  string        `json:"since,omitempty" jsonschema:"RFC 3339 start of the time range"`
	Until  string        `json:"until,omitempty" jsonschema:"RFC 3339 end of the time range"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

// toolError is the JSON body of an IsError tool result.
type callStatsInput struct {
	GroupBy audit.BreakdownDimension `json:"group_by" jsonschema:"module, mode, user_id or end_reason"`
	UserID  string                   `json:"user_id,omitempty" jsonschema:"admin only: one trainee's user ID; admins see everyone when omitted"`
	Since   string                   `json:"since,omitempty" jsonschema:"RFC 3339 start of the time range"`
	Until   string                   `json:"until,omitempty" jsonschema:"RFC 3339 end of the time range"`
	Limit   int                      `json:"limit,omitempty"`
}

type toolError struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// moduleAccess is one module of a progress report.
type moduleAccess struct {
	Module   string                            `json:"module"`
	Title    string                            `json:"title"`
	Progress progress.ModuleProgress           `json:"progress"`
	Access   map[training.Mode]access.Decision `json:"access"`
}

type progressReport struct {
	UserID  string         `json:"user_id"`
	Tier    training.Tier  `json:"tier"`
	Synced  bool           `json:"synced"`
	Pending bool           `json:"pending_writes"`
	Modules []moduleAccess `json:"modules"`
}

type callList struct {
	Calls []call.Snapshot `json:"calls"`
}

type callHistory struct {
	Calls  []audit.CallRecord `json:"calls"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type callStats struct {
	GroupBy audit.BreakdownDimension `json:"group_by"`
	Entries []audit.BreakdownEntry   `json:"entries"`
}

// registerTools registers the trainer tools with the MCP server.
func (p *Platform) registerTools() {
	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        toolCheckAccess,
		Title:       "Check Access",
		Description: "Check whether you may start a call on a module in a mode, and why.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, p.handleCheckAccess)

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:  toolStartCall,
		Title: "Start Call",
		Description: "Dial a prospect on a training module. Returns the connected call. " +
			"Starting a legend call consumes the legend attempt even if the call is abandoned.",
	}, p.handleStartCall)

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        toolSay,
		Title:       "Say",
		Description: "Say the next line on a connected call and get the prospect's reply with a score for your turn.",
	}, p.handleSay)

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        toolHangUp,
		Title:       "Hang Up",
		Description: "End a call and get its scored outcome.",
	}, p.handleHangUp)

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        toolCallState,
		Title:       "Call State",
		Description: "Get the state, transcript and current evaluation of a call, or list your calls.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, p.handleCallState)

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        toolGetProgress,
		Title:       "Get Progress",
		Description: "Get your progress on every module and which modes are open to you.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, p.handleGetProgress)

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        toolListCalls,
		Title:       "List Calls",
		Description: "List your finished calls, newest first, with score, verdict and transcript.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, p.handleListCalls)

	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        toolCallStats,
		Title:       "Call Stats",
		Description: "Summarize finished calls grouped by module, mode, user or end reason: count, pass rate, average score and duration.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, p.handleCallStats)
}

func (p *Platform) handleCheckAccess(ctx context.Context, _ *mcp.CallToolRequest, in checkAccessInput) (*mcp.CallToolResult, any, error) {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return unauthenticated(), nil, nil
	}
	return jsonResult(p.access.CheckAccess(ctx, principal, in.Module, in.Mode))
}

func (p *Platform) handleStartCall(ctx context.Context, _ *mcp.CallToolRequest, in startCallInput) (*mcp.CallToolResult, any, error) {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return unauthenticated(), nil, nil
	}

	s, err := p.orchestrator.StartSession(ctx, call.StartRequest{
		Principal: principal,
		Module:    in.Module,
		Mode:      in.Mode,
		AttemptID: in.AttemptID,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	p.registry.Add(s)
	return jsonResult(s.Snapshot())
}

func (p *Platform) handleSay(ctx context.Context, _ *mcp.CallToolRequest, in sayInput) (*mcp.CallToolResult, any, error) {
	s, res := p.lookupCall(ctx, in.CallID)
	if res != nil {
		return res, nil, nil
	}
	out, err := s.SubmitUserUtterance(ctx, in.Text)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(out)
}

func (p *Platform) handleHangUp(ctx context.Context, _ *mcp.CallToolRequest, in callInput) (*mcp.CallToolResult, any, error) {
	s, res := p.lookupCall(ctx, in.CallID)
	if res != nil {
		return res, nil, nil
	}
	s.HangUp(call.EndUserHangup)

	waitCtx, cancel := context.WithTimeout(ctx, hangUpWait)
	defer cancel()
	if _, err := s.Wait(waitCtx); err != nil {
		p.logger.Warn("outcome not ready at hang up", "session_id", s.ID(), "error", err)
	}
	return jsonResult(s.Snapshot())
}

func (p *Platform) handleCallState(ctx context.Context, _ *mcp.CallToolRequest, in callStateInput) (*mcp.CallToolResult, any, error) {
	if in.CallID != "" {
		s, res := p.lookupCall(ctx, in.CallID)
		if res != nil {
			return res, nil, nil
		}
		return jsonResult(s.Snapshot())
	}

	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return unauthenticated(), nil, nil
	}
	entries := p.registry.List(principal.UserID)
	list := callList{Calls: make([]call.Snapshot, 0, len(entries))}
	for _, e := range entries {
		list.Calls = append(list.Calls, e.Call.Snapshot())
	}
	return jsonResult(list)
}

func (p *Platform) handleGetProgress(ctx context.Context, _ *mcp.CallToolRequest, in getProgressInput) (*mcp.CallToolResult, any, error) {
	principal, res := p.subject(ctx, in.UserID)
	if res != nil {
		return res, nil, nil
	}
	return jsonResult(p.progressReport(ctx, principal))
}

// progressReport assembles progress and per-mode access for every module.
// When the store is unreachable the decisions fall back to the
// conservative defaults.
func (p *Platform) progressReport(ctx context.Context, principal training.Principal) progressReport {
	snap, synced, err := p.access.Progress(ctx, principal.UserID)
	if err != nil {
		p.logger.Warn("progress unavailable for report", "user_id", principal.UserID, "error", err)
	}

	report := progressReport{
		UserID:  principal.UserID,
		Tier:    principal.Tier,
		Synced:  synced,
		Pending: p.access.PendingWrites() > 0,
	}
	now := p.now()
	for _, mod := range p.catalog.Modules() {
		mp, ok := snap[mod.ID]
		if !ok {
			mp = progress.New(mod.ID)
		}
		entry := moduleAccess{
			Module:   mod.ID,
			Title:    mod.Title,
			Progress: mp,
			Access:   make(map[training.Mode]access.Decision, 3),
		}
		for _, mode := range []training.Mode{training.ModePractice, training.ModeMarathon, training.ModeLegend} {
			if err != nil {
				entry.Access[mode] = access.Conservative(p.catalog, mod.ID, mode, principal.Tier)
				continue
			}
			entry.Access[mode] = access.Evaluate(p.catalog, mod.ID, mode, principal.Tier, snap, now)
		}
		report.Modules = append(report.Modules, entry)
	}
	return report
}

func (p *Platform) handleListCalls(ctx context.Context, _ *mcp.CallToolRequest, in listCallsInput) (*mcp.CallToolResult, any, error) {
	principal, res := p.subject(ctx, in.UserID)
	if res != nil {
		return res, nil, nil
	}
	if p.auditLogger == nil {
		return errorResult(failure.New(failure.KindCapabilityUnavailable, "call history is disabled")), nil, nil
	}

	filter := audit.QueryFilter{
		UserID: principal.UserID,
		Module: in.Module,
		Mode:   in.Mode,
		Passed: in.Passed,
		Limit:  clampLimit(in.Limit),
		Offset: max(in.Offset, 0),
	}
	var err error
	if filter.StartTime, err = parseTime(in.Since); err != nil {
		return invalidInput("since: " + err.Error()), nil, nil
	}
	if filter.EndTime, err = parseTime(in.Until); err != nil {
		return invalidInput("until: " + err.Error()), nil, nil
	}

	records, err := p.auditLogger.Query(ctx, filter)
	if err != nil {
		return errorResult(failure.Wrap(failure.KindPersistenceFailure, "querying call history", err)), nil, nil
	}
	if records == nil {
		records = []audit.CallRecord{}
	}
	return jsonResult(callHistory{Calls: records, Limit: filter.Limit, Offset: filter.Offset})
}

func (p *Platform) handleCallStats(ctx context.Context, _ *mcp.CallToolRequest, in callStatsInput) (*mcp.CallToolResult, any, error) {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return unauthenticated(), nil, nil
	}
	if p.auditLogger == nil {
		return errorResult(failure.New(failure.KindCapabilityUnavailable, "call history is disabled")), nil, nil
	}
	if !audit.ValidBreakdownDimensions[in.GroupBy] {
		return invalidInput("group_by must be one of module, mode, user_id, end_reason"), nil, nil
	}

	// Trainees only ever see their own calls.
	userID := principal.UserID
	if principal.Tier == training.TierAdmin {
		userID = in.UserID
	} else if in.UserID != "" && in.UserID != principal.UserID {
		return errorResult(failure.New(failure.KindAccessDenied, "only admins may read another trainee's data")), nil, nil
	}

	filter := audit.BreakdownFilter{
		GroupBy: in.GroupBy,
		UserID:  userID,
		Limit:   audit.ClampBreakdownLimit(in.Limit),
	}
	var err error
	if filter.StartTime, err = parseTime(in.Since); err != nil {
		return invalidInput("since: " + err.Error()), nil, nil
	}
	if filter.EndTime, err = parseTime(in.Until); err != nil {
		return invalidInput("until: " + err.Error()), nil, nil
	}

	entries, err := p.auditLogger.Breakdown(ctx, filter)
	if err != nil {
		return errorResult(failure.Wrap(failure.KindPersistenceFailure, "summarizing call history", err)), nil, nil
	}
	if entries == nil {
		entries = []audit.BreakdownEntry{}
	}
	return jsonResult(callStats{GroupBy: in.GroupBy, Entries: entries})
}

// lookupCall returns the caller's registered call.
func (p *Platform) lookupCall(ctx context.Context, id string) (*call.Session, *mcp.CallToolResult) {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return nil, unauthenticated()
	}
	owner := principal.UserID
	if principal.Tier == training.TierAdmin {
		owner = ""
	}
	s, err := p.registry.Lookup(id, owner)
	if err != nil {
		return nil, errorResult(err)
	}
	return s, nil
}

// subject resolves whose data a read tool returns. Only admins may name
// another user.
func (p *Platform) subject(ctx context.Context, userID string) (training.Principal, *mcp.CallToolResult) {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return training.Principal{}, unauthenticated()
	}
	if userID == "" || userID == principal.UserID {
		return principal, nil
	}
	if principal.Tier != training.TierAdmin {
		return training.Principal{}, errorResult(failure.New(failure.KindAccessDenied, "only admins may read another trainee's data"))
	}
	// The other user's tier is not known here; report as unrestricted so
	// the admin sees their progress rather than gates.
	return training.Principal{UserID: userID, Tier: training.TierUnlimited}, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 200:
		return 200
	}
	return limit
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// jsonResult marshals v as the text content of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult reports err as an IsError tool result carrying its kind.
func errorResult(err error) *mcp.CallToolResult {
	body := toolError{Kind: string(failure.KindOf(err)), Message: err.Error()}
	var fe *failure.Error
	if errors.As(err, &fe) {
		body.Message = fe.Message
		body.Reason = fe.Metadata["reason"]
	}

	switch {
	case errors.Is(err, session.ErrNotFound):
		body.Kind = errKindNotFound
	case errors.Is(err, call.ErrNotConnected),
		errors.Is(err, call.ErrTurnInProgress),
		errors.Is(err, call.ErrCallEnding):
		body.Kind = errKindInvalidState
	case errors.Is(err, call.ErrEmptyUtterance):
		body.Kind = errKindInvalidInput
	}
	return errorBody(body)
}

func invalidInput(msg string) *mcp.CallToolResult {
	return errorBody(toolError{Kind: errKindInvalidInput, Message: msg})
}

func unauthenticated() *mcp.CallToolResult {
	return errorBody(toolError{Kind: string(failure.KindAccessDenied), Reason: "unauthenticated", Message: "no trainee identity on request"})
}

func errorBody(body toolError) *mcp.CallToolResult {
	data, _ := json.Marshal(body)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: true,
	}
}
