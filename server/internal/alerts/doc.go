// Package alerts implements the rule evaluation engine and webhook delivery
// for edgestack batch runs. Rules are evaluated against every cached run on
// each ledger refresh; webhooks are delivered to Teams, Slack or generic HTTP
// targets.
package alerts
