package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vinayprograms/docrpc/batch"
	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/router"
	"github.com/vinayprograms/docrpc/subscription"
	"github.com/vinayprograms/docrpc/telemetry"
)

// Built-in method names.
const (
	MethodInitialize        = "initialize"
	MethodPing              = "ping"
	MethodSubscribe         = "subscribe"
	MethodPollChanges       = "poll_changes"
	MethodUnsubscribe       = "unsubscribe"
	MethodListSubscriptions = "list_subscriptions"
	MethodBatchDocuments    = "batch_documents"
)

func (s *Server) builtins() map[string]router.Handler {
	return map[string]router.Handler{
		MethodInitialize:        s.initialize,
		MethodPing:              s.ping,
		MethodSubscribe:         s.subscribe,
		MethodPollChanges:       s.pollChanges,
		MethodUnsubscribe:       s.unsubscribe,
		MethodListSubscriptions: s.listSubscriptions,
		MethodBatchDocuments:    s.batchDocuments,
	}
}

// decode strictly unmarshals params into v.
func decode(params json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.InvalidInput(fmt.Sprintf("invalid params: %v", err), errors.WithCause(err))
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// resourceInfo describes one resource type in the initialize result.
type resourceInfo struct {
	Name    string `json:"name"`
	Table   string `json:"table"`
	Version uint64 `json:"version"`
}

func (s *Server) initialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		ProtocolVersion string                 `json:"protocol_version"`
		ClientInfo      map[string]interface{} `json:"client_info"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(s.opts.Resources))
	for name := range s.opts.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make([]batch.Task[resourceInfo], len(names))
	for i, name := range names {
		name, table := name, s.opts.Resources[name]
		tasks[i] = func(ctx context.Context) (resourceInfo, error) {
			tbl, err := s.opts.Store.Table(table)
			if err != nil {
				return resourceInfo{}, errors.Wrap(err, fmt.Sprintf("resource %s", name))
			}
			version, err := tbl.Version(ctx)
			if err != nil {
				return resourceInfo{}, errors.Wrap(err, fmt.Sprintf("resource %s", name))
			}
			return resourceInfo{Name: name, Table: table, Version: version}, nil
		}
	}
	resources, err := batch.Parallel(ctx, tasks, s.opts.MaxParallel)
	if err != nil {
		return nil, err
	}

	s.router.MarkReady()
	s.logger.Info("initialized", map[string]interface{}{
		"protocol_version": p.ProtocolVersion,
		"client":           p.ClientInfo["name"],
	})

	return map[string]interface{}{
		"protocol_version": ProtocolVersion,
		"server_info": map[string]interface{}{
			"name":    s.opts.Name,
			"version": s.opts.Version,
		},
		"capabilities": s.adapter.Capabilities(),
		"methods":      s.router.Methods(),
		"resources":    resources,
	}, nil
}

func (s *Server) ping(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}, nil
}

type subscribeParams struct {
	ResourceType    string               `json:"resource_type"`
	Filter          *subscription.Filter `json:"filter"`
	IntervalSeconds float64              `json:"interval_seconds"`
	BatchSize       int                  `json:"batch_size"`
	BufferSize      int                  `json:"buffer_size"`
}

func (s *Server) subscribe(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p subscribeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.IntervalSeconds < 0 || p.BatchSize < 0 || p.BufferSize < 0 {
		return nil, errors.InvalidInput("interval_seconds, batch_size and buffer_size must not be negative")
	}

	info, err := s.opts.Subscriptions.Subscribe(ctx, p.ResourceType, p.Filter, subscription.Options{
		Interval:   seconds(p.IntervalSeconds),
		BatchSize:  p.BatchSize,
		BufferSize: p.BufferSize,
	})
	if err != nil {
		return nil, err
	}
	s.events.LogEvent(telemetry.EventSubscriptionOpened, map[string]interface{}{
		"subscription_id": info.ID,
		"resource_type":   info.ResourceType,
	})

	result := map[string]interface{}{
		"subscription": info,
	}
	// Without an event stream the adapter explains how to follow the
	// subscription instead.
	if !s.adapter.Capabilities().SubscriptionStreaming {
		events, err := s.adapter.ServeSubscription(ctx, info)
		if err != nil {
			return nil, err
		}
		var frames []map[string]interface{}
		for ev := range events {
			frames = append(frames, map[string]interface{}{"event": ev.Name, "data": ev.Data})
		}
		result["stream"] = frames
	}
	return result, nil
}

type pollParams struct {
	SubscriptionID string  `json:"subscription_id"`
	PollToken      string  `json:"poll_token"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (s *Server) pollChanges(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p pollParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SubscriptionID == "" {
		return nil, errors.InvalidInput("subscription_id is required")
	}
	if p.TimeoutSeconds < 0 {
		return nil, errors.InvalidInput("timeout_seconds must not be negative")
	}

	// A draining server releases waiting polls with whatever is buffered.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.draining:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := s.opts.Subscriptions.Poll(ctx, p.SubscriptionID, p.PollToken, seconds(p.TimeoutSeconds))
	if err != nil {
		return nil, err
	}
	if res.Changes == nil {
		res.Changes = []subscription.Change{}
	}
	return res, nil
}

func (s *Server) unsubscribe(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SubscriptionID == "" {
		return nil, errors.InvalidInput("subscription_id is required")
	}

	cancelled, err := s.opts.Subscriptions.Cancel(ctx, p.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		// Unknown ids are an error; a repeated cancel is not.
		if _, err := s.opts.Subscriptions.Get(ctx, p.SubscriptionID); err != nil {
			return nil, err
		}
	}
	streamClosed := s.adapter.CancelSubscription(p.SubscriptionID)
	if cancelled {
		s.events.LogEvent(telemetry.EventSubscriptionClosed, map[string]interface{}{
			"subscription_id": p.SubscriptionID,
		})
	}
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
		"cancelled":       cancelled,
		"stream_closed":   streamClosed,
	}, nil
}

func (s *Server) listSubscriptions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SubscriptionID string `json:"subscription_id"`
		ActiveOnly     bool   `json:"active_only"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	if p.SubscriptionID != "" {
		info, err := s.opts.Subscriptions.Get(ctx, p.SubscriptionID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"subscriptions": []subscription.Info{info}}, nil
	}

	all, err := s.opts.Subscriptions.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]subscription.Info, 0, len(all))
	for _, info := range all {
		if p.ActiveOnly && !info.Active {
			continue
		}
		out = append(out, info)
	}
	return map[string]interface{}{"subscriptions": out}, nil
}
