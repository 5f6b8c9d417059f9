// Package trace implements the server-side trace reactor: discovering
// which event/column combinations the server permits via DMV, subscribing
// to a filtered set of trace events, and dispatching them to a caller
// handler without blocking the driver's own callback thread.
package trace

import (
	"context"
	"fmt"
	"sync"

	"github.com/Curts0/tabular/pkg/apperrors"
	"github.com/Curts0/tabular/pkg/connection"
	"github.com/Curts0/tabular/pkg/dmvxml"
	"github.com/Curts0/tabular/pkg/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config selects which event classes and columns a Reactor subscribes to,
// and supplies the handler invoked per event.
type Config struct {
	EventClasses []string
	Columns      []string
	Handler      driver.EventHandler
}

// Reactor discovers permitted event/column pairs and relays trace events to
// a handler off the driver's callback thread.
type Reactor struct {
	name string
	id   uuid.UUID
	log  *zap.Logger

	subs   []driver.Subscription
	events chan driver.Event

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// TraceGuard is returned alongside a Reactor so the caller can `defer
// guard.Close()` for deterministic trace cleanup: the guard drops the trace
// exactly once no matter how the surrounding operation exits.
type TraceGuard struct {
	reactor *Reactor
}

// Close stops and drops the underlying trace. Idempotent.
func (g *TraceGuard) Close() error {
	return g.reactor.Drop()
}

// discoverCategories queries $SYSTEM.DISCOVER_TRACE_EVENT_CATEGORIES and
// parses the embedded XML payloads into an event/column permission map.
func discoverCategories(ctx context.Context, conn *connection.Connection) (dmvxml.EventCategories, error) {
	result, err := conn.Execute(ctx, "select * from $SYSTEM.DISCOVER_TRACE_EVENT_CATEGORIES")
	if err != nil {
		return nil, apperrors.TraceError{Err: fmt.Errorf("query event categories: %w", err)}
	}

	tr, ok := result.(*connection.TabularResult)
	if !ok {
		return nil, apperrors.TraceError{Err: fmt.Errorf("unexpected event category result shape %T", result)}
	}

	dataIdx := -1
	for i, c := range tr.Columns {
		if c == "Data" {
			dataIdx = i
			break
		}
	}
	if dataIdx < 0 {
		return nil, apperrors.TraceError{Err: fmt.Errorf("event category result missing Data column")}
	}

	var payloads []string
	for _, row := range tr.Rows {
		if dataIdx < len(row) {
			if s, ok := row[dataIdx].(string); ok {
				payloads = append(payloads, s)
			}
		}
	}

	return dmvxml.ParseEventCategories(payloads)
}

// New builds a Reactor: it discovers permitted event/column pairs, filters
// cfg's requested columns down to the server-permitted subset per event
// class, and subscribes on conn's underlying trace-capable connection. It
// returns both the Reactor and a TraceGuard the caller should defer-close.
func New(ctx context.Context, conn *connection.Connection, cfg Config, log *zap.Logger) (*Reactor, *TraceGuard, error) {
	if log == nil {
		log = zap.NewNop()
	}

	categories, err := discoverCategories(ctx, conn)
	if err != nil {
		return nil, nil, err
	}

	id := uuid.New()
	name := "TabularTrace_" + id.String()

	driverConn, err := conn.Conn(ctx)
	if err != nil {
		return nil, nil, apperrors.TraceError{Err: err}
	}
	traceConn, ok := driverConn.(driver.TraceConn)
	if !ok {
		return nil, nil, apperrors.TraceError{Err: fmt.Errorf("connection does not support trace subscription")}
	}

	r := &Reactor{
		name:   name,
		id:     id,
		log:    log.Named("trace").With(zap.String("trace_name", name)),
		events: make(chan driver.Event, 256),
		done:   make(chan struct{}),
	}

	relay := func(ev driver.Event) {
		// Runs on the driver's own callback thread; never do caller work
		// here, only hand off.
		select {
		case r.events <- ev:
		default:
			r.log.Warn("trace event dropped, relay channel full")
		}
	}

	// One subscription per event class, each carrying only the columns the
	// server permits for that class; a disallowed event/column pair is
	// skipped with a warning, never an abort.
	for _, eventClass := range cfg.EventClasses {
		var columns []string
		for _, col := range cfg.Columns {
			if categories.Permits(eventClass, col) {
				columns = append(columns, col)
			} else {
				r.log.Warn("column not permitted for event class, skipped",
					zap.String("event_class", eventClass),
					zap.String("column", col))
			}
		}

		sub, err := traceConn.Subscribe(ctx, []string{eventClass}, columns, relay)
		if err != nil {
			for _, s := range r.subs {
				s.Close()
			}
			return nil, nil, apperrors.TraceError{Err: fmt.Errorf("subscribe %s: %w", eventClass, err)}
		}
		r.subs = append(r.subs, sub)
	}

	go r.relay(cfg.Handler)

	r.log.Info("trace built", zap.Strings("event_classes", cfg.EventClasses))

	return r, &TraceGuard{reactor: r}, nil
}

// relay runs handler on each queued event in a dedicated goroutine, so a
// slow or blocking handler never stalls the driver's callback thread.
func (r *Reactor) relay(handler driver.EventHandler) {
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				close(r.done)
				return
			}
			if handler != nil {
				handler(ev)
			}
		}
	}
}

// Start logs the start of the traced section. Events are delivered from the
// moment New returns; Start does not change that, it lets callers bracket
// the trace lifecycle explicitly.
func (r *Reactor) Start() error {
	r.log.Info("trace started")
	return nil
}

// Stop logs the end of the traced section. It neither pauses delivery nor
// releases server-side resources: events keep reaching the handler until
// Drop, which releases them.
func (r *Reactor) Stop() error {
	r.log.Info("trace stopped")
	return nil
}

// Drop releases the server-side trace subscription and stops the relay
// goroutine. Idempotent.
func (r *Reactor) Drop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil
	}
	r.stopped = true

	var err error
	for _, sub := range r.subs {
		if closeErr := sub.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	close(r.events)
	<-r.done

	r.log.Info("trace dropped")
	return err
}

// refreshTraceLogAllowlist is the set of EventSubclass values logged at Info
// by the default refresh trace handler, whichever progress report event
// class carries them.
var refreshTraceLogAllowlist = map[string]bool{
	"TabularSequencePoint":     true,
	"TabularRefresh":           true,
	"Process":                  true,
	"VertiPaq":                 true,
	"CompressSegment":          true,
	"TabularCommit":            true,
	"RelationshipBuildPrepare": true,
	"AnalyzeEncodeData":        true,
	"ReadData":                 true,
}

// fieldString reads a string field from an event's Fields map, coercing
// non-string values and returning "" for a missing one.
func fieldString(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// fieldInt64 reads an integer field from an event's Fields map, tolerating
// the handful of numeric shapes a driver.Event's Fields realistically
// carries (int64 from a DAX/XMLA bigint column, float64 from a generic
// decoder, or a string already rendered by the transport).
func fieldInt64(fields map[string]any, key string) int64 {
	v, ok := fields[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

// refreshTraceHandler returns the default logging handler for RefreshTrace:
// rows-read per partition on Current, total rows per partition on End (at
// Warning when zero), SwitchingDictionary sub-events at Warning, and the
// named sub-event allowlist at Info. It wraps next, which always
// runs too, so a caller-supplied handler is never shadowed.
func refreshTraceHandler(log *zap.Logger, next driver.EventHandler) driver.EventHandler {
	log = log.Named("refresh_trace")
	return func(ev driver.Event) {
		partition := fieldString(ev.Fields, "ObjectPath")
		if partition == "" {
			partition = fieldString(ev.Fields, "ObjectName")
		}
		subclass := fieldString(ev.Fields, "EventSubclass")

		switch ev.EventClass {
		case "ProgressReportCurrent":
			log.Info("rows read",
				zap.String("partition", partition),
				zap.Int64("rows", fieldInt64(ev.Fields, "ProgressTotal")))
		case "ProgressReportEnd":
			total := fieldInt64(ev.Fields, "ProgressTotal")
			if total == 0 {
				log.Warn("partition processed zero rows",
					zap.String("partition", partition))
			} else {
				log.Info("partition processed",
					zap.String("partition", partition),
					zap.Int64("rows", total))
			}
		case "ProgressReportError":
			log.Error("refresh progress error",
				zap.String("partition", partition),
				zap.String("text", fieldString(ev.Fields, "TextData")))
		}

		switch {
		case subclass == "SwitchingDictionary":
			log.Warn("switching dictionary", zap.String("partition", partition))
		case refreshTraceLogAllowlist[subclass]:
			log.Info(subclass, zap.String("partition", partition))
		}

		if next != nil {
			next(ev)
		}
	}
}

// queryMonitorHandler returns the default logging handler for QueryMonitor:
// user, application, duration, and error logged at query completion, tagged
// with the Profiler severity for informational events. It wraps next, which
// always runs too.
func queryMonitorHandler(log *zap.Logger, next driver.EventHandler) driver.EventHandler {
	log = log.Named("query_monitor")
	return func(ev driver.Event) {
		if ev.EventClass == "QueryEnd" {
			fields := []zap.Field{
				zap.Int("severity", 3),
				zap.String("user", fieldString(ev.Fields, "NTUserName")),
				zap.String("application", fieldString(ev.Fields, "ApplicationName")),
				zap.Int64("duration_ms", fieldInt64(ev.Fields, "Duration")),
			}
			if errText := fieldString(ev.Fields, "Error"); errText != "" {
				fields = append(fields, zap.String("error", errText))
				log.Warn("query completed with error", fields...)
			} else {
				log.Info("query completed", fields...)
			}
		}

		if next != nil {
			next(ev)
		}
	}
}

// RefreshTrace returns the prebuilt configuration for refresh progress
// tracking: progress report begin/current/end/error events with
// object/session/text/progress columns. The returned Config's Handler always
// logs refresh progress, then invokes handler if non-nil — handler is never
// the sole observer of these events.
func RefreshTrace(log *zap.Logger, handler driver.EventHandler) Config {
	if log == nil {
		log = zap.NewNop()
	}
	return Config{
		EventClasses: []string{
			"ProgressReportBegin",
			"ProgressReportCurrent",
			"ProgressReportEnd",
			"ProgressReportError",
		},
		Columns: []string{
			"EventSubclass",
			"CurrentTime",
			"ObjectName",
			"ObjectPath",
			"DatabaseName",
			"SessionID",
			"TextData",
			"EventClass",
			"ProgressTotal",
		},
		Handler: refreshTraceHandler(log, handler),
	}
}

// QueryMonitor returns the prebuilt configuration for observing DAX/MDX
// query execution: query begin/end events with user, application, duration,
// and error columns. The returned Config's Handler always logs query
// completions, then invokes handler if non-nil.
func QueryMonitor(log *zap.Logger, handler driver.EventHandler) Config {
	if log == nil {
		log = zap.NewNop()
	}
	return Config{
		EventClasses: []string{
			"QueryBegin",
			"QueryEnd",
		},
		Columns: []string{
			"EventSubclass",
			"CurrentTime",
			"Duration",
			"TextData",
			"SessionID",
			"DatabaseName",
			"NTUserName",
			"ApplicationName",
			"Error",
		},
		Handler: queryMonitorHandler(log, handler),
	}
}
