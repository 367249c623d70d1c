package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// commonEmailDomains are the webmail providers treated as low risk.
const commonEmailDomains = `["gmail.com", "yahoo.com", "outlook.com", "hotmail.com", "aol.com", "icloud.com", "live.com"]`

// BuiltinRules returns the default rule table.
// It seeds an empty catalog store and backs the "builtin" rules source.
func BuiltinRules() []*domain.RuleConfig {
	rules := []*domain.RuleConfig{
		// Factors counted into risk_factors for the multi-factor group.
		factor("factor-high-amount", 10, "High amount", "amount > 1000.0"),
		factor("factor-discover", 20, "Discover card", `card_type == "discover"`),
		factor("factor-international", 30, "International", `country != "US"`),
		factor("factor-mobile", 40, "Mobile device", `device_type == "mobile"`),
		factor("factor-odd-hour", 50, "Off-hours", "hour < 6 || hour > 22"),

		rule("amount-extreme", "amount", 100, "Extremely high amount", "amount > 5000.0", 35, "Extremely high transaction amount"),
		rule("amount-very-high", "amount", 110, "Very high amount", "amount > 2000.0", 25, "Very high transaction amount"),
		rule("amount-high", "amount", 120, "High amount", "amount > 1000.0", 15, "High transaction amount"),
		rule("amount-medium-high", "amount", 130, "Medium-high amount", "amount > 500.0", 8, "Medium-high transaction amount"),

		rule("card-discover", "card", 200, "Discover card", `card_type == "discover"`, 12, "Discover card (higher risk)"),
		rule("card-amex", "card", 210, "American Express card", `card_type == "amex"`, 5, "American Express card"),

		rule("device-mobile", "device", 300, "Mobile device", `device_type == "mobile"`, 8, "Mobile device transaction"),
		rule("device-tablet", "device", 310, "Tablet device", `device_type == "tablet"`, 5, "Tablet device transaction"),

		rule("international", "", 400, "International", `country != "US"`, 12, "International transaction"),

		// hour > 23 never holds; kept as published.
		rule("time-very-unusual", "time", 500, "Very unusual time", "hour < 4 || hour > 23", 10, "Very unusual transaction time"),
		rule("time-unusual", "time", 510, "Unusual time", "hour < 6 || hour > 22", 5, "Unusual transaction time"),

		rule("weekend", "", 600, "Weekend", "weekday >= 5", 3, "Weekend transaction"),

		rule("email-uncommon", "", 700, "Uncommon email domain", "!(email_domain in "+commonEmailDomains+")", 8, "Uncommon email domain"),

		rule("multi-factor-3", "multi", 800, "Multiple high-risk factors", "risk_factors >= 3", 15, "Multiple high-risk factors detected"),
		rule("multi-factor-2", "multi", 810, "Multiple risk factors", "risk_factors >= 2", 8, "Multiple risk factors detected"),
	}
	return rules
}

func rule(id, group string, position int, name, expr string, points int, reason string) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:         id,
		Kind:       domain.KindRule,
		Group:      group,
		Name:       name,
		Expression: expr,
		Points:     points,
		Reason:     reason,
		Position:   position,
		Enabled:    true,
	}
}

func factor(id string, position int, name, expr string) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:         id,
		Kind:       domain.KindFactor,
		Name:       name,
		Expression: expr,
		Position:   position,
		Enabled:    true,
	}
}
