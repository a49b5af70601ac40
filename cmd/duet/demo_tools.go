package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"duet/internal/tools"
)

// demoLatency stands in for the slow backends a real deployment calls.
var demoLatency = 400 * time.Millisecond

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// demoRegistry registers canned tools for every default task route.
func demoRegistry(opts ...tools.RegistryOption) *tools.Registry {
	r := tools.NewRegistry(opts...)

	r.MustRegister(tools.NewFunc(tools.ObjectSchema("provider_search",
		"Find service providers near the user",
		map[string]tools.Property{
			"query":   {Type: "string", Description: "what the user asked for"},
			"service": {Type: "string", Description: "kind of provider, e.g. dentist"},
		}, "query"),
		func(ctx context.Context, args map[string]any) (any, error) {
			if err := pause(ctx, demoLatency); err != nil {
				return nil, err
			}
			service := tools.GetStringDefault(args, "service", "provider")
			return map[string]any{
				"summary": fmt.Sprintf("I found 3 %ss nearby. The closest is Riverside, 0.8 miles away.", service),
				"results": []string{"Riverside", "Oak Street", "Hillcrest"},
			}, nil
		}))

	r.MustRegister(tools.NewFunc(tools.ObjectSchema("check_availability",
		"List open appointment slots",
		map[string]tools.Property{"query": {Type: "string"}}),
		func(ctx context.Context, _ map[string]any) (any, error) {
			if err := pause(ctx, demoLatency); err != nil {
				return nil, err
			}
			return map[string]any{"slot": "tomorrow at 10am"}, nil
		}))

	r.MustRegister(tools.NewFunc(tools.ObjectSchema("book_appointment",
		"Book an appointment slot",
		map[string]tools.Property{
			"slot":       {Type: "string", Description: "slot returned by check_availability"},
			"party_size": {Type: "integer", Description: "number of people"},
		}, "slot", "party_size"),
		func(ctx context.Context, args map[string]any) (any, error) {
			if err := pause(ctx, demoLatency); err != nil {
				return nil, err
			}
			return map[string]any{
				"message": fmt.Sprintf("You're booked for %v, party of %v.", args["slot"], args["party_size"]),
			}, nil
		}))

	r.MustRegister(tools.NewFunc(tools.ObjectSchema("place_call",
		"Place an outbound phone call",
		map[string]tools.Property{"target": {Type: "string", Description: "who to call"}}, "target"),
		func(ctx context.Context, args map[string]any) (any, error) {
			if err := pause(ctx, 2*demoLatency); err != nil {
				return nil, err
			}
			target, _ := tools.GetString(args, "target")
			return tools.NewSuccessResult(fmt.Sprintf("I reached the %s. They'll call you back today.", target)).
				WithMetadata("call_status", "completed"), nil
		}))

	r.MustRegister(tools.NewFunc(tools.ObjectSchema("web_research",
		"Research a topic on the web",
		map[string]tools.Property{"query": {Type: "string"}}, "query"),
		func(ctx context.Context, args map[string]any) (any, error) {
			if err := pause(ctx, 2*demoLatency); err != nil {
				return nil, err
			}
			query, _ := tools.GetString(args, "query")
			return map[string]any{"findings": []string{
				"most reviews are positive about " + strings.ToLower(query),
				"a few mention long wait times",
			}}, nil
		}))

	r.MustRegister(tools.NewFunc(tools.ObjectSchema("summarize",
		"Summarize research findings",
		map[string]tools.Property{"findings": {Type: "array", Items: &tools.Property{Type: "string"}}}),
		func(_ context.Context, args map[string]any) (any, error) {
			findings, _ := tools.GetStringSlice(args, "findings")
			if len(findings) == 0 {
				return map[string]any{"summary": "I couldn't find much on that."}, nil
			}
			return map[string]any{"summary": "Here's the short version: " + strings.Join(findings, "; ") + "."}, nil
		}))

	return r
}
