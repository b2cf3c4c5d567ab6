package loop

// Selection is the testbench policy's verdict for one iteration. The
// rationale exists for observability only; control flow never reads it.
type Selection struct {
	Path      string
	Label     string
	Rationale string
}

// SelectTestbench decides which testbench the current iteration verifies
// against. Empty path arguments mean "not available"; an empty Selection.Path
// means no testbench exists and the caller must ask the verification
// capability to synthesize one.
//
//	iteration | user TB | generated TB | selection
//	    1     |  yes    |     any      | user ("baseline")
//	    1     |  no     |     yes      | generated
//	   >=2    |  any    |     yes      | generated ("optimize")
//	   >=2    |  yes    |     no       | user ("fallback")
//	   any    |  no     |     no       | none
func SelectTestbench(iteration int, userTB, generatedTB string) Selection {
	switch {
	case iteration <= 1 && userTB != "":
		return Selection{
			Path:      userTB,
			Label:     "baseline",
			Rationale: "first iteration verifies against the user-supplied reference testbench",
		}
	case iteration <= 1 && generatedTB != "":
		return Selection{
			Path:      generatedTB,
			Label:     "generated",
			Rationale: "no user testbench available; using the generated one",
		}
	case iteration > 1 && generatedTB != "":
		return Selection{
			Path:      generatedTB,
			Label:     "optimize",
			Rationale: "later iterations prefer the most recently generated testbench to converge on refined designs",
		}
	case iteration > 1 && userTB != "":
		return Selection{
			Path:      userTB,
			Label:     "fallback",
			Rationale: "no generated testbench available; falling back to the user-supplied one",
		}
	default:
		return Selection{
			Rationale: "no testbench available; the verification capability must synthesize one",
		}
	}
}
