// Package testdata provides utilities for generating sample metrics data
// to test Grafana dashboards without using real production data.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for testing dashboards. Names and labels match the series the
// daemon exports through the OTLP collector.
var (
	// Application metrics
	applicationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lendingd_application_applications_total",
			Help: "Applications created",
		},
	)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_application_transitions_total",
			Help: "State transitions by result",
		},
		[]string{"result"},
	)
	documentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_application_documents_total",
			Help: "Documents received by type",
		},
		[]string{"document_type"},
	)
	applicationsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lendingd_application_by_state",
			Help: "Applications currently in each state",
		},
		[]string{"state"},
	)

	// Session engine metrics
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_orchestrator_sessions_total",
			Help: "Session lifecycle events",
		},
		[]string{"event"},
	)
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_orchestrator_steps_total",
			Help: "Pattern steps by result",
		},
		[]string{"result"},
	)

	// Routing metrics
	routedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_routing_tasks_total",
			Help: "Tasks routed to agents",
		},
		[]string{"task_type", "result"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_routing_dispatches_total",
			Help: "State-driven task dispatches",
		},
		[]string{"state"},
	)

	// Agent metrics
	agentMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_agent_messages_total",
			Help: "Agent mailbox deliveries by result",
		},
		[]string{"result"},
	)

	// Decision metrics
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_decision_decisions_total",
			Help: "Recorded decisions",
		},
		[]string{"decision_type", "outcome"},
	)

	// Recovery metrics
	recoveryRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_recovery_records_total",
			Help: "Errors recorded for recovery",
		},
		[]string{"category", "severity"},
	)
	recoveryStrategies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_recovery_strategies_total",
			Help: "Recovery strategies executed",
		},
		[]string{"strategy", "result"},
	)

	// Audit metrics
	auditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_audit_entries_total",
			Help: "Audit entries appended",
		},
		[]string{"event_type"},
	)
	auditVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_audit_verifications_total",
			Help: "Hash chain verifications",
		},
		[]string{"result"},
	)

	// Event bus metrics
	busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_eventbus_published_total",
			Help: "Events published to the bus",
		},
		[]string{"kind", "result"},
	)

	// HTTP server metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendingd_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lendingd_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"method", "endpoint"},
	)
	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lendingd_http_active_requests",
			Help: "Currently active HTTP requests",
		},
	)
)

var (
	states = []string{
		"initiated", "document_collection", "document_validation",
		"document_analysis", "underwriting", "compliance_check",
		"decision_pending", "approved", "conditionally_approved",
		"declined", "suspended",
	}
	documentTypes = []string{
		"income_verification", "credit_report", "property_appraisal",
		"bank_statement", "tax_return",
	}
	taskTypes = []string{
		"process_application", "analyze_documents", "evaluate_application",
		"check_compliance", "handle_customer_inquiry",
		"resolve_complex_application", "generate_customer_explanation",
	}
	decisionTypes = []string{"underwriting", "compliance", "final"}
	categories    = []string{
		"validation", "document_processing", "agent_failure", "communication",
		"security", "system", "integration", "data", "unknown",
	}
	severities = []string{"low", "medium", "high", "critical"}
	strategies = []string{
		"retry", "fallback", "revert", "restart", "alternate",
		"diagnostic", "escalate", "suspend", "ignore",
	}
	eventTypes    = []string{
		"application_created", "state_transition", "document_received",
		"decision_event", "agent_action", "error_detected",
		"recovery_attempt", "session_created", "session_completed",
		"step_completed", "step_failed",
	}
	endpoints = []string{
		"/api/v1/applications", "/api/v1/applications/:id",
		"/api/v1/applications/:id/documents", "/api/v1/sessions",
		"/api/v1/sessions/:id", "/api/v1/events", "/api/v1/scrub",
		"/api/v1/audit/search", "/health",
	}
)

func init() {
	prometheus.MustRegister(
		// Applications
		applicationsTotal,
		transitionsTotal,
		documentsTotal,
		applicationsByState,
		// Sessions
		sessionsTotal,
		stepsTotal,
		// Routing and agents
		routedTasks,
		dispatches,
		agentMessages,
		// Decisions
		decisionsTotal,
		// Recovery
		recoveryRecords,
		recoveryStrategies,
		// Audit
		auditEntries,
		auditVerifications,
		// Bus
		busPublished,
		// HTTP
		httpRequestsTotal,
		httpRequestDuration,
		httpActiveRequests,
	)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9100"
	}

	// Generate initial sample data
	generateSampleData()

	// Start background goroutine to continuously generate data
	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	// Serve metrics
	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: nil,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'lendingd-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func generateSampleData() {
	// A batch of applications moving through the pipeline
	for i := 0; i < 60; i++ {
		applicationsTotal.Inc()
		documentsTotal.WithLabelValues(randomChoice(documentTypes)).Inc()
		auditEntries.WithLabelValues("application_created").Inc()
	}
	for i := 0; i < 300; i++ {
		result := "accepted"
		if rand.Float64() > 0.92 {
			result = randomChoice([]string{"rejected", "unknown_application"})
		}
		transitionsTotal.WithLabelValues(result).Inc()
		auditEntries.WithLabelValues(randomChoice(eventTypes)).Inc()
	}
	for _, state := range states {
		applicationsByState.WithLabelValues(state).Set(float64(rand.Intn(12)))
	}

	// Sessions and steps
	for i := 0; i < 45; i++ {
		sessionsTotal.WithLabelValues("created").Inc()
		outcome := randomChoice([]string{"completed", "completed", "completed", "aborted"})
		sessionsTotal.WithLabelValues(outcome).Inc()
	}
	for i := 0; i < 280; i++ {
		result := "completed"
		if rand.Float64() > 0.9 {
			result = randomChoice([]string{"skipped", "failed", "retried", "conservative"})
		}
		stepsTotal.WithLabelValues(result).Inc()
	}

	// Task routing and agent mailboxes
	for i := 0; i < 200; i++ {
		task := randomChoice(taskTypes)
		result := "delivered"
		if rand.Float64() > 0.95 {
			result = "delivery_failed"
		}
		routedTasks.WithLabelValues(task, result).Inc()
		dispatches.WithLabelValues(randomChoice(states)).Inc()
		agentMessages.WithLabelValues(randomChoice([]string{"enqueued", "processed", "processed"})).Inc()
	}
	for i := 0; i < 6; i++ {
		agentMessages.WithLabelValues(randomChoice([]string{"mailbox_full", "handler_error", "unknown_recipient"})).Inc()
	}

	// Decisions
	for i := 0; i < 90; i++ {
		outcome := "positive"
		if rand.Float64() > 0.7 {
			outcome = "negative"
		}
		decisionsTotal.WithLabelValues(randomChoice(decisionTypes), outcome).Inc()
	}

	// Errors and recovery
	for i := 0; i < 25; i++ {
		recoveryRecords.WithLabelValues(randomChoice(categories), randomChoice(severities)).Inc()
		recoveryStrategies.WithLabelValues(randomChoice(strategies), randomChoice([]string{"ok", "ok", "error"})).Inc()
	}

	// Audit verification runs
	for i := 0; i < 10; i++ {
		auditVerifications.WithLabelValues("ok").Inc()
	}
	auditVerifications.WithLabelValues("tampered").Inc()

	// Bus traffic
	for i := 0; i < 120; i++ {
		busPublished.WithLabelValues(randomChoice([]string{"state", "task", "session"}), randomChoice([]string{"published", "published", "dropped"})).Inc()
	}

	// HTTP traffic
	methods := []string{"GET", "POST"}
	statuses := []string{"200", "200", "200", "201", "400", "404", "429", "500"}
	for i := 0; i < 400; i++ {
		endpoint := randomChoice(endpoints)
		method := randomChoice(methods)
		httpRequestsTotal.WithLabelValues(method, endpoint, randomChoice(statuses)).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(rand.Float64() * 0.3)
	}
	httpActiveRequests.Set(float64(rand.Intn(8)))
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rand.Float64() > 0.5 {
				applicationsTotal.Inc()
				documentsTotal.WithLabelValues(randomChoice(documentTypes)).Inc()
				auditEntries.WithLabelValues("application_created").Inc()
			}
			if rand.Float64() > 0.3 {
				transitionsTotal.WithLabelValues("accepted").Inc()
				auditEntries.WithLabelValues("state_transition").Inc()
				dispatches.WithLabelValues(randomChoice(states)).Inc()
			}
			if rand.Float64() > 0.6 {
				sessionsTotal.WithLabelValues("created").Inc()
				stepsTotal.WithLabelValues("completed").Inc()
			}
			if rand.Float64() > 0.4 {
				task := randomChoice(taskTypes)
				routedTasks.WithLabelValues(task, "delivered").Inc()
				agentMessages.WithLabelValues("processed").Inc()
			}
			if rand.Float64() > 0.7 {
				decisionsTotal.WithLabelValues(randomChoice(decisionTypes), randomChoice([]string{"positive", "negative"})).Inc()
			}
			if rand.Float64() > 0.85 {
				recoveryRecords.WithLabelValues(randomChoice(categories), randomChoice(severities)).Inc()
				recoveryStrategies.WithLabelValues(randomChoice(strategies), "succeeded").Inc()
			}
			if rand.Float64() > 0.9 {
				busPublished.WithLabelValues("task", "published").Inc()
			}

			// Rolling HTTP traffic
			for i := 0; i < rand.Intn(10); i++ {
				endpoint := randomChoice(endpoints)
				method := randomChoice([]string{"GET", "POST"})
				httpRequestsTotal.WithLabelValues(method, endpoint, "200").Inc()
				httpRequestDuration.WithLabelValues(method, endpoint).Observe(rand.Float64() * 0.3)
			}

			// Drift the state gauges
			for _, state := range states {
				applicationsByState.WithLabelValues(state).Add(float64(rand.Intn(3) - 1))
			}
			httpActiveRequests.Set(float64(rand.Intn(8)))
		}
	}
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
