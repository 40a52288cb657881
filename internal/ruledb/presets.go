package ruledb

import (
	"context"
	"fmt"

	"promptgate/internal/domain"
)

// presetRule is the seed-time shape of one static pattern rule, before it
// gets a bundle ID and an Enabled flag.
type presetRule struct {
	pattern string
	action  domain.Action
	context string
}

// presetRules mirrors the teacher's OWASP-categorized rule sets
// (getMinimalPreset/getStandardPreset/getStrictPreset), rebuilt as static
// pattern FilterRules instead of proxy-metric policy rules: minimal only
// flags the clearest jailbreak/exfiltration phrasing, standard adds common
// prompt-injection markers, strict adds broad system-prompt-leak and
// role-override phrasing likely to also catch benign prompts.
var presetRules = map[string][]presetRule{
	"minimal": {
		{pattern: `ignore (all|any|previous|prior) instructions`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `reveal (your|the) system prompt`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
	},
	"standard": {
		{pattern: `ignore (all|any|previous|prior) instructions`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `reveal (your|the) system prompt`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `disregard (everything|all) (above|before)`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `you are now (in )?(developer|dan|jailbreak) mode`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `act as (if you|though you) (have no|had no) (restrictions|guidelines)`, action: domain.ActionRedact, context: "LLM01:Prompt Injection"},
		{pattern: `(api[_-]?key|secret|password)\s*[:=]`, action: domain.ActionRedact, context: "LLM02:Sensitive Information Disclosure"},
	},
	"strict": {
		{pattern: `ignore (all|any|previous|prior) instructions`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `reveal (your|the) system prompt`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `disregard (everything|all) (above|before)`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `you are now (in )?(developer|dan|jailbreak) mode`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `act as (if you|though you) (have no|had no) (restrictions|guidelines)`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `(api[_-]?key|secret|password)\s*[:=]`, action: domain.ActionBlock, context: "LLM02:Sensitive Information Disclosure"},
		{pattern: `print (out )?(your|the) (instructions|configuration|rules)`, action: domain.ActionBlock, context: "LLM01:Prompt Injection"},
		{pattern: `repeat (the words|everything) (above|before) (this|your response)`, action: domain.ActionRequireApproval, context: "LLM01:Prompt Injection"},
		{pattern: `what (model|llm) (are you|is this)`, action: domain.ActionLogOnly, context: "LLM06:Excessive Agency"},
	},
}

// PresetNames lists the built-in preset names, in increasing strictness.
func PresetNames() []string { return []string{"minimal", "standard", "strict"} }

// Rules returns the named built-in preset as plain FilterRules, unattached
// to any bundle. Used both by SeedPreset and by the chaos benchmarking
// suite, which scans presets directly against the Static Pattern Detector
// without going through a Store at all.
func Rules(preset string) ([]domain.FilterRule, error) {
	rules, ok := presetRules[preset]
	if !ok {
		return nil, fmt.Errorf("unknown policy preset %q (want one of %v)", preset, PresetNames())
	}
	out := make([]domain.FilterRule, 0, len(rules))
	for i, r := range rules {
		out = append(out, domain.FilterRule{
			ID:      fmt.Sprintf("%s-%d", preset, i),
			Type:    domain.RuleStatic,
			Pattern: r.pattern,
			Action:  r.action,
			Context: r.context,
			Enabled: true,
		})
	}
	return out, nil
}

// SeedPreset creates a new draft bundle for tenant/channel, populates it
// with the named built-in preset's static rules, and activates it. It is
// meant for first-run bootstrap (an empty tenant has no active bundle and
// every request fails closed until one exists), not for routine policy
// changes, which go through the Boundary API's bundle/rule endpoints.
func SeedPreset(ctx context.Context, s *Store, tenant string, channel domain.Channel, preset string) (*domain.PolicyBundle, error) {
	rules, err := Rules(preset)
	if err != nil {
		return nil, err
	}

	bundle, err := s.CreateBundle(ctx, tenant, "preset:"+preset, 1, channel)
	if err != nil {
		return nil, fmt.Errorf("creating preset bundle: %w", err)
	}

	for _, r := range rules {
		r.Bundle = bundle.ID
		if err := s.UpsertRule(ctx, r); err != nil {
			return nil, fmt.Errorf("seeding preset rule: %w", err)
		}
	}

	if err := s.ActivateBundle(ctx, tenant, channel, bundle.ID); err != nil {
		return nil, fmt.Errorf("activating preset bundle: %w", err)
	}

	return bundle, nil
}
