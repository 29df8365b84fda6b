package patterns

// fourStage builds the canonical four-round pipeline. The initial round
// always carries the user prompt verbatim; the meta, hyper and ultra
// templates carry the pattern's analytical angle.
func fourStage(name, description, metaTmpl, hyperTmpl, ultraTmpl string) *Pattern {
	return &Pattern{
		Name:        name,
		Description: description,
		Stages: []Stage{
			{Name: "initial", Fanout: All(), Role: RoleGenerator, Template: "{{.Prompt}}"},
			{Name: "meta", Fanout: All(), Role: RoleAnalyzer, Template: metaTmpl},
			{Name: "hyper", Fanout: Subset(3), Role: RoleAnalyzer, Template: hyperTmpl},
			{Name: "ultra", Fanout: Single(), Role: RoleSynthesizer, Template: ultraTmpl},
		},
	}
}

func builtins() []*Pattern {
	return []*Pattern{
		fourStage("gut",
			"First-instinct answers, then cross-examination of those instincts.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nCritique these gut reactions — which instincts hold up and which collapse under scrutiny? Produce an improved answer.",
			"Synthesize across these critiques of the initial instincts:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer incorporating all prior analysis:\n{{.Outputs \"hyper\"}}",
		),

		fourStage("confidence",
			"Answers annotated with confidence, then calibration across models.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nAssess each claim's confidence. Flag overconfident assertions and under-argued hedges, then produce an improved, calibrated answer.",
			"Synthesize across these confidence assessments:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer with calibrated confidence, incorporating all prior analysis:\n{{.Outputs \"hyper\"}}",
		),

		// critique intentionally skips the hyper round: the two strongest
		// responders critique, then the lead synthesizes directly.
		{
			Name:        "critique",
			Description: "Adversarial review by the strongest responders, synthesized directly.",
			Stages: []Stage{
				{Name: "initial", Fanout: All(), Role: RoleGenerator, Template: "{{.Prompt}}"},
				{Name: "meta", Fanout: Subset(2), Role: RoleAnalyzer, Template: "Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nCritique them rigorously for errors, omissions and weak reasoning, then produce an improved answer."},
				{Name: "ultra", Fanout: Single(), Role: RoleSynthesizer, Template: "Produce the final, definitive answer incorporating these critiques:\n{{.Outputs \"meta\"}}"},
			},
		},

		fourStage("fact_check",
			"Claim extraction and verification across models.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nExtract the factual claims, verify each against your knowledge, flag contradictions between peers, and produce a corrected answer.",
			"Synthesize across these fact-check reports, resolving disagreements:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer using only the verified claims:\n{{.Outputs \"hyper\"}}",
		),

		fourStage("perspective",
			"The same question examined from deliberately different viewpoints.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nIdentify the perspective each response takes, name the viewpoints nobody took, and produce an answer covering the missing ground.",
			"Synthesize across these perspective analyses:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer balancing all perspectives:\n{{.Outputs \"hyper\"}}",
		),

		fourStage("scenario",
			"Branching what-if exploration of the problem space.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nFor each response, explore the best-case, worst-case and most-likely scenario it implies, then produce an improved answer.",
			"Synthesize across these scenario explorations:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer robust across the explored scenarios:\n{{.Outputs \"hyper\"}}",
		),

		fourStage("stakeholder",
			"Impact analysis for everyone the answer affects.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nIdentify every stakeholder affected, assess how each response serves or harms them, and produce an improved answer.",
			"Synthesize across these stakeholder analyses:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer accounting for all stakeholders:\n{{.Outputs \"hyper\"}}",
		),

		fourStage("systems",
			"Feedback loops, second-order effects, emergent behavior.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nMap the system: feedback loops, second-order effects, unintended consequences each response misses. Produce an improved answer.",
			"Synthesize across these systems analyses:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer incorporating the full systems view:\n{{.Outputs \"hyper\"}}",
		),

		fourStage("time",
			"Short-, medium- and long-horizon consequences.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nRe-examine each response over three horizons — immediate, one year, a decade — and produce an improved answer.",
			"Synthesize across these time-horizon analyses:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer sound across all time horizons:\n{{.Outputs \"hyper\"}}",
		),

		fourStage("innovation",
			"Deliberate search for unconventional answers.",
			"Here are responses from peer models to the user prompt:\n{{.Prompt}}\n\nPeer responses:\n{{.Outputs \"initial\"}}\n\nThese are the conventional answers. Challenge their shared assumptions and produce a genuinely different, still-rigorous answer.",
			"Synthesize across these unconventional takes, keeping what survives scrutiny:\n{{.Outputs \"meta\"}}",
			"Produce the final, definitive answer combining the best conventional and unconventional insights:\n{{.Outputs \"hyper\"}}",
		),
	}
}
