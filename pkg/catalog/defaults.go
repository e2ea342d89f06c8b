package catalog

import "github.com/txn2/mcp-coldcall-trainer/pkg/training"

// DefaultModules is the built-in ladder used when configuration supplies none.
func DefaultModules() []Module {
	return []Module{
		{
			ID:    "opener",
			Title: "The Opener",
			Character: Character{
				Name: "Dana Reyes", Company: "Brightline Logistics", Role: "Operations Manager",
				Persona: "Busy, polite, and skeptical of unsolicited calls. Gives the caller about thirty seconds.",
			},
		},
		{
			ID:    "gatekeeper",
			Title: "Past the Gatekeeper",
			Character: Character{
				Name: "Morgan Lee", Company: "Halvorsen Manufacturing", Role: "Executive Assistant",
				Persona: "Protective of the director's calendar. Asks what the call is regarding and who referred the caller.",
			},
		},
		{
			ID:    "discovery",
			Title: "Discovery Questions",
			Character: Character{
				Name: "Priya Natarajan", Company: "Copperleaf Health", Role: "Director of IT",
				Persona: "Open to talking but vague about problems until asked specific, well-framed questions.",
			},
		},
		{
			ID:    "objections",
			Title: "Handling Objections",
			Character: Character{
				Name: "Tom Becker", Company: "Northgate Retail", Role: "VP of Finance",
				Persona: "Raises budget, timing and incumbent-vendor objections and only yields to specific answers.",
			},
			Thresholds: map[training.Mode]float64{training.ModeLegend: 3.5},
		},
		{
			ID:    "closing",
			Title: "Booking the Meeting",
			Character: Character{
				Name: "Alex Kim", Company: "Summit Analytics", Role: "Chief Revenue Officer",
				Persona: "Interested but noncommittal. Agrees to a meeting only when asked for a concrete time.",
			},
		},
	}
}
