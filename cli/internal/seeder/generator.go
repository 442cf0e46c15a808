// Package seeder generates realistic error reports for exercising grouping,
// deduplication and health classification against a running core.
package seeder

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/faultline-systems/faultline/cli/internal/client"
)

// exceptionTemplate is one recurring failure mode. Reports drawn from the
// same template share a fingerprint.
type exceptionTemplate struct {
	Type   string
	Value  string
	Module string
}

var templates = []exceptionTemplate{
	{"TimeoutError", "database query exceeded 30s", "db.pool"},
	{"ConnectionRefusedError", "connection refused by upstream", "http.client"},
	{"KeyError", "'customer_id'", "orders.serializer"},
	{"ValueError", "invalid literal for int() with base 10", "billing.parse"},
	{"PaymentDeclinedError", "card declined by issuer", "payments.gateway"},
	{"NullPointerException", "cannot invoke method on null reference", "inventory.sync"},
	{"PermissionError", "access denied for role viewer", "auth.policy"},
	{"RateLimitExceeded", "too many requests to provider", "notifications.sms"},
}

var levels = []string{"error", "error", "error", "warning", "fatal"}

// Generator builds reports. Each distinct (template, service, environment)
// triple becomes one group on the server.
type Generator struct {
	Services     []string
	Environments []string
	// Templates limits how many exception templates are drawn from.
	Templates int
	// MessageOnly is the share of reports sent without exception info.
	MessageOnly float64
	// Users is the size of the affected user pool.
	Users int
	// Spread back-dates timestamps uniformly over this duration.
	Spread time.Duration

	rng *rand.Rand
	now func() time.Time
}

func NewGenerator(seed int64) *Generator {
	return &Generator{
		Services:     []string{"api", "checkout", "worker"},
		Environments: []string{"production"},
		Templates:    len(templates),
		MessageOnly:  0.1,
		Users:        50,
		rng:          rand.New(rand.NewSource(seed)),
		now:          time.Now,
	}
}

func (g *Generator) pick(items []string) string {
	return items[g.rng.Intn(len(items))]
}

// Report returns one generated report.
func (g *Generator) Report() *client.ErrorReport {
	n := g.Templates
	if n <= 0 || n > len(templates) {
		n = len(templates)
	}
	tpl := templates[g.rng.Intn(n)]

	r := &client.ErrorReport{
		Service:     g.pick(g.Services),
		Environment: g.pick(g.Environments),
		Level:       g.pick(levels),
		Release:     fmt.Sprintf("%d.%d.%d", 1+g.rng.Intn(3), g.rng.Intn(10), g.rng.Intn(20)),
		Tags: map[string]any{
			"region": g.pick([]string{"us-east-1", "eu-west-1", "ap-south-1"}),
			"host":   gofakeit.DomainName(),
		},
	}

	if g.rng.Float64() < g.MessageOnly {
		r.Message = gofakeit.HackerPhrase()
	} else {
		r.Message = tpl.Value
		r.Exception = &client.Exception{Type: tpl.Type, Value: tpl.Value, Module: tpl.Module}
		r.StackTrace = stackTrace(tpl)
	}

	if g.Users > 0 {
		id := g.rng.Intn(g.Users)
		r.User = &client.User{
			ID:       fmt.Sprintf("user-%04d", id),
			Username: gofakeit.Username(),
			Email:    gofakeit.Email(),
		}
	}

	if g.Spread > 0 {
		ts := g.now().Add(-time.Duration(g.rng.Int63n(int64(g.Spread)))).UTC()
		r.Timestamp = &ts
	}
	return r
}

func stackTrace(tpl exceptionTemplate) string {
	return fmt.Sprintf("Traceback (most recent call last):\n  File \"%s.py\", line %d, in handle\n%s: %s",
		tpl.Module, 10+len(tpl.Value), tpl.Type, tpl.Value)
}
