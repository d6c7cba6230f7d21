package memstore

import "crewhub/internal/domain"

// Built-in catalog used when no backend is configured. Mirrors the hosted
// defaults so local development exercises the same planner inputs.

func defaultAgents() []domain.Agent {
	return []domain.Agent{
		{
			ID:        "agent-data-analyst",
			Name:      "Data Analyst",
			Role:      "Senior Data Analyst",
			Goal:      "Analyze data, find patterns, and produce quantitative insights",
			Backstory: "Expert in data analysis with deep knowledge of metrics, statistical modelling, and quantitative research. Skilled at finding insights in large datasets. Also serves as a general-purpose analyst for any data-heavy or technical task.",
		},
		{
			ID:        "agent-product-marketer",
			Name:      "Product Marketer",
			Role:      "Senior Product Marketing Manager",
			Goal:      "Identify content gaps and competitive positioning opportunities",
			Backstory: "Experienced product marketer who understands how to position technical products. Expert at competitive analysis, messaging, and go-to-market strategy. Best suited for content strategy, positioning, and competitive intelligence tasks.",
		},
		{
			ID:        "agent-seo-specialist",
			Name:      "SEO Specialist",
			Role:      "Technical SEO Specialist",
			Goal:      "Optimize content strategy for search visibility",
			Backstory: "SEO expert focused on technical optimization and emerging AI search patterns. Best suited for keyword research, search strategy, and content optimization tasks.",
		},
		{
			ID:        "agent-work-reviewer",
			Name:      "Work Reviewer",
			Role:      "Quality Assurance Reviewer",
			Goal:      "Review and validate analysis quality, ensure actionable recommendations",
			Backstory: "Meticulous reviewer who ensures all analysis is accurate, well-supported, and actionable. Catches gaps and inconsistencies. Best suited as a final review step.",
		},
		{
			ID:        "agent-narrative-governor",
			Name:      "Narrative Governor",
			Role:      "Content Strategy Director",
			Goal:      "Synthesize findings into coherent strategy with prioritized recommendations",
			Backstory: "Senior content strategist who excels at turning data into narrative. Creates compelling, actionable roadmaps. Best suited for synthesis tasks.",
		},
	}
}

func defaultCrews() []domain.Crew {
	return []domain.Crew{
		{
			ID:          "crew-content-gap",
			Name:        "Content Gap Discovery Crew",
			DisplayName: "Content Gap Analysis",
			Description: "Analyzes content gaps for search and answer-engine visibility",
			Process:     domain.ProcessSequential,
			AgentIDs: []string{
				"agent-data-analyst",
				"agent-product-marketer",
				"agent-seo-specialist",
				"agent-work-reviewer",
				"agent-narrative-governor",
			},
		},
	}
}

func defaultSkills() []domain.Skill {
	return []domain.Skill{
		{
			ID:          "skill-eeat-audit",
			Name:        "EEAT Audit",
			Description: "Assess content quality using EEAT signals.",
			Steps: []string{
				"Identify author and credentials",
				"Check first-hand experience signals",
				"Verify sources and citations",
				"Score trustworthiness",
				"Summarize findings and recommendations",
			},
			InputSchema: []domain.InputField{
				{Name: "url", Label: "URL", Required: true, HelpText: "Page to audit"},
			},
		},
	}
}
