package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/txn2/mcp-coldcall-trainer/pkg/middleware"
	"github.com/txn2/mcp-coldcall-trainer/pkg/training"
)

// progressTemplateURI addresses one trainee's progress on one module.
const progressTemplateURI = "progress://{user_id}/{module}"

// registerResourceTemplates registers all MCP resource templates.
func (p *Platform) registerResourceTemplates() {
	p.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: progressTemplateURI,
		Name:        "Module Progress",
		Description: "A trainee's progress on a module with the access decision for each mode",
		MIMEType:    "application/json",
	}, p.handleProgressResource)
}

// parseTemplateVars extracts named variables from a URI using a URI template.
// Returns a map of variable names to their values, or an error if the URI
// doesn't match the template.
func parseTemplateVars(templateStr, uri string) (map[string]string, error) {
	tmpl, err := uritemplate.New(templateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template %q: %w", templateStr, err)
	}

	match := tmpl.Match(uri)
	if match == nil {
		return nil, fmt.Errorf("uri %q does not match template %q", uri, templateStr)
	}

	result := make(map[string]string)
	for _, name := range tmpl.Varnames() {
		result[name] = match.Get(name).String()
	}
	return result, nil
}

// handleProgressResource serves progress://{user_id}/{module}. Trainees
// may read only their own progress; admins may read anyone's. Resource
// reads do not pass through the tool call middleware, so the caller is
// authenticated here.
func (p *Platform) handleProgressResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	vars, err := parseTemplateVars(progressTemplateURI, uri)
	if err != nil {
		return nil, err
	}
	userID, moduleID := vars["user_id"], vars["module"]

	caller, err := p.resourceCaller(ctx)
	if err != nil {
		return nil, err
	}
	subject := caller
	if userID != caller.UserID {
		if caller.Tier != training.TierAdmin {
			return nil, fmt.Errorf("progress of %s is not readable by %s", userID, caller.UserID)
		}
		subject = training.Principal{UserID: userID, Tier: training.TierUnlimited}
	}

	if _, ok := p.catalog.Get(moduleID); !ok {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	report := p.progressReport(ctx, subject)
	for _, m := range report.Modules {
		if m.Module == moduleID {
			return marshalResourceResult(uri, m)
		}
	}
	return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
}

// resourceCaller authenticates a resource read.
func (p *Platform) resourceCaller(ctx context.Context) (training.Principal, error) {
	if principal, ok := middleware.PrincipalFromContext(ctx); ok {
		return principal, nil
	}
	info, err := p.authenticator.Authenticate(ctx)
	if err != nil {
		return training.Principal{}, fmt.Errorf("authentication failed: %w", err)
	}
	if info == nil || info.UserID == "" {
		return training.Principal{}, fmt.Errorf("authentication failed: no user identity")
	}
	tier := info.Tier
	if tier == "" {
		tier = training.TierTrial
	}
	return training.Principal{UserID: info.UserID, Tier: tier}, nil
}

// marshalResourceResult marshals v as JSON into a ReadResourceResult.
func marshalResourceResult(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling resource %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}
