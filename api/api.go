// Package api serves the engine and the worker gateway over HTTP using a
// Forge router. Routes live under DefaultBasePath (/v1) unless WithBasePath
// says otherwise. Errors are written as
// ErrorResponse bodies whose code maps back to an orchestra sentinel.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/xraph/forge"

	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/gateway"
)

// DefaultBasePath prefixes every route unless WithBasePath overrides it.
const DefaultBasePath = "/v1"

// API wires the HTTP handlers for an engine and its gateway.
type API struct {
	eng      *engine.Engine
	gw       *gateway.Gateway
	router   forge.Router
	logger   *slog.Logger
	basePath string
}

// Option configures an API.
type Option func(*API)

// WithBasePath mounts every route under p. An empty p mounts them at the
// root.
func WithBasePath(p string) Option {
	return func(a *API) { a.basePath = normalizeBasePath(p) }
}

// New creates an API. A nil router gets a fresh forge router.
func New(eng *engine.Engine, gw *gateway.Gateway, router forge.Router, opts ...Option) *API {
	a := &API{eng: eng, gw: gw, router: router, logger: eng.Logger(), basePath: DefaultBasePath}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BasePath returns the prefix the routes are mounted under.
func (a *API) BasePath() string { return a.basePath }

func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)
	return a.router.Handler()
}

// RegisterRoutes registers all routes into router.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerExecutionRoutes(router)
	a.registerTaskRoutes(router)
	a.registerDefinitionRoutes(router)
	a.registerDLQRoutes(router)
	a.registerStatsRoutes(router)
}

func (a *API) registerExecutionRoutes(router forge.Router) {
	g := router.Group(a.basePath, forge.WithGroupTags("executions"))

	_ = g.POST("/executions", a.startExecution,
		forge.WithSummary("Start execution"),
		forge.WithDescription("Starts a new execution of a registered definition."),
		forge.WithOperationID("startExecution"),
		forge.WithRequestSchema(StartExecutionRequest{}),
		forge.WithCreatedResponse(StartExecutionResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/executions", a.listExecutions,
		forge.WithSummary("List executions"),
		forge.WithDescription("Returns executions filtered by status and definition."),
		forge.WithOperationID("listExecutions"),
		forge.WithResponseSchema(http.StatusOK, "Execution list", []*execution.Execution{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/executions/:executionId", a.getExecution,
		forge.WithSummary("Get execution"),
		forge.WithDescription("Returns the full execution record including context and task attempts."),
		forge.WithOperationID("getExecution"),
		forge.WithResponseSchema(http.StatusOK, "Execution", &execution.Execution{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/executions/:executionId/terminate", a.terminateExecution,
		forge.WithSummary("Terminate execution"),
		forge.WithDescription("Stops a running execution and cancels its scheduled tasks."),
		forge.WithOperationID("terminateExecution"),
		forge.WithRequestSchema(TerminateRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Terminated execution", &execution.Execution{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) registerTaskRoutes(router forge.Router) {
	g := router.Group(a.basePath, forge.WithGroupTags("tasks"))

	_ = g.GET("/tasks/poll", a.pollTasks,
		forge.WithSummary("Poll tasks"),
		forge.WithDescription("Leases up to count visible attempts of one task type."),
		forge.WithOperationID("pollTasks"),
		forge.WithResponseSchema(http.StatusOK, "Leased tasks", []*gateway.Task{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/tasks/:executionId/:taskRefName/:attempt", a.reportTask,
		forge.WithSummary("Report task result"),
		forge.WithDescription("Acks the lease and applies the worker's result."),
		forge.WithOperationID("reportTask"),
		forge.WithRequestSchema(ReportRequest{}),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/tasks/:executionId/:taskRefName/:attempt/heartbeat", a.heartbeatTask,
		forge.WithSummary("Heartbeat task"),
		forge.WithDescription("Extends the lease on a running attempt."),
		forge.WithOperationID("heartbeatTask"),
		forge.WithRequestSchema(HeartbeatRequest{}),
		forge.WithResponseSchema(http.StatusOK, "New lease expiry", HeartbeatResponse{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) registerDefinitionRoutes(router forge.Router) {
	g := router.Group(a.basePath, forge.WithGroupTags("definitions"))

	_ = g.POST("/definitions", a.registerDefinition,
		forge.WithSummary("Register definition"),
		forge.WithDescription("Validates and registers a new definition version."),
		forge.WithOperationID("registerDefinition"),
		forge.WithRequestSchema(definition.Definition{}),
		forge.WithCreatedResponse(&definition.Definition{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/definitions", a.listDefinitions,
		forge.WithSummary("List definitions"),
		forge.WithDescription("Returns every registered definition version."),
		forge.WithOperationID("listDefinitions"),
		forge.WithResponseSchema(http.StatusOK, "Definitions", []*definition.Definition{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/definitions/:name", a.getDefinition,
		forge.WithSummary("Get definition"),
		forge.WithDescription("Returns one version of a definition, or the latest without ?version."),
		forge.WithOperationID("getDefinition"),
		forge.WithResponseSchema(http.StatusOK, "Definition", &definition.Definition{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) registerDLQRoutes(router forge.Router) {
	g := router.Group(a.basePath, forge.WithGroupTags("dlq"))

	_ = g.GET("/dlq", a.listDLQ,
		forge.WithSummary("List DLQ entries"),
		forge.WithDescription("Returns dead letters, most recent first."),
		forge.WithOperationID("listDLQ"),
		forge.WithResponseSchema(http.StatusOK, "DLQ entries", []*dlq.Entry{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/dlq/:entryId", a.getDLQ,
		forge.WithSummary("Get DLQ entry"),
		forge.WithDescription("Returns details of a specific dead letter."),
		forge.WithOperationID("getDLQ"),
		forge.WithResponseSchema(http.StatusOK, "DLQ entry details", &dlq.Entry{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/dlq/purge", a.purgeDLQ,
		forge.WithSummary("Purge DLQ"),
		forge.WithDescription("Removes dead letters older than olderThanHours (default 720)."),
		forge.WithOperationID("purgeDLQ"),
		forge.WithResponseSchema(http.StatusOK, "Purge result", PurgeDLQResponse{}),
		forge.WithErrorResponses(),
	)
}

func (a *API) registerStatsRoutes(router forge.Router) {
	g := router.Group(a.basePath, forge.WithGroupTags("stats"))

	_ = g.GET("/stats", a.stats,
		forge.WithSummary("Orchestra stats"),
		forge.WithDescription("Returns execution counts by status, queue depths and the DLQ size."),
		forge.WithOperationID("orchestraStats"),
		forge.WithResponseSchema(http.StatusOK, "Statistics", StatsResponse{}),
		forge.WithErrorResponses(),
	)
}
