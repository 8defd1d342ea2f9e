package hasura

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/pgql/bridge/internal/apps"
	"github.com/pgql/bridge/internal/domain"
)

// LLM is the completion surface the planner uses for intent extraction and
// answer synthesis. A nil LLM falls back to deterministic heuristics.
type LLM interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Filter is one where-clause predicate.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

// Order is an order_by clause.
type Order struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending"`
}

// Plan is the structured query intent extracted from a natural-language
// question. It is validated against the app's scope before anything touches
// the endpoint.
type Plan struct {
	Table     string   `json:"table"`
	Columns   []string `json:"columns,omitempty"`
	Aggregate string   `json:"aggregate,omitempty"` // only "count" is supported
	Filters   []Filter `json:"filters,omitempty"`
	OrderBy   *Order   `json:"order_by,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// QueryResult carries the full trace of one direct-path query so callers can
// show their work: plan, generated GraphQL, raw rows, synthesized answer.
type QueryResult struct {
	Question string          `json:"question"`
	Plan     *Plan           `json:"plan"`
	GraphQL  string          `json:"graphql"`
	Data     json.RawMessage `json:"data"`
	Answer   string          `json:"answer"`
}

var (
	identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	allowedOps = map[string]bool{
		"_eq": true, "_neq": true,
		"_gt": true, "_gte": true,
		"_lt": true, "_lte": true,
		"_like": true, "_ilike": true,
		"_in": true, "_is_null": true,
	}
)

// Planner turns questions into validated GraphQL queries and executes them.
type Planner struct {
	client   *Client
	llm      LLM
	maxLimit int
	maxDepth int
	logger   *slog.Logger
}

// NewPlanner builds a planner. maxLimit clamps requested row counts; maxDepth
// bounds selection nesting in the generated query.
func NewPlanner(client *Client, llm LLM, maxLimit, maxDepth int, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, llm: llm, maxLimit: maxLimit, maxDepth: maxDepth, logger: logger}
}

// Query runs the full direct path: plan, validate against the app's scope,
// build, statically check, execute, synthesize.
func (p *Planner) Query(ctx context.Context, app *domain.App, question string) (*QueryResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.ErrValidation("question must not be empty")
	}

	plan, err := p.plan(ctx, app, question)
	if err != nil {
		return nil, err
	}
	if err := p.ValidatePlan(plan, app); err != nil {
		return nil, err
	}

	query, err := BuildQuery(plan)
	if err != nil {
		return nil, err
	}
	if err := CheckQuery(query, p.maxDepth); err != nil {
		return nil, err
	}
	p.logger.Debug("direct query built", "app_id", app.ID, "table", plan.Table, "query", query)

	data, err := p.client.Execute(ctx, query, nil)
	if err != nil {
		return nil, err
	}

	answer := p.synthesize(ctx, question, plan, data)
	return &QueryResult{
		Question: question,
		Plan:     plan,
		GraphQL:  query,
		Data:     data,
		Answer:   answer,
	}, nil
}

const plannerSystem = `You translate a question about tabular data into a JSON query plan.
Respond with a single JSON object and nothing else:
{"table": "...", "columns": ["..."], "aggregate": "count"|"", "filters": [{"column":"...","op":"_eq","value":...}], "order_by": {"column":"...","descending":true}, "limit": N}
Only use tables and columns from the provided list. Omit keys you do not need.`

func (p *Planner) plan(ctx context.Context, app *domain.App, question string) (*Plan, error) {
	tables := app.AllowedTables

	if p.llm == nil {
		return heuristicPlan(question, tables)
	}

	user := fmt.Sprintf("Available tables: %s\n\nQuestion: %s", strings.Join(tables, ", "), question)
	raw, err := p.llm.Complete(ctx, plannerSystem, user)
	if err != nil {
		p.logger.Warn("planner LLM unavailable, using heuristics", "error", err)
		return heuristicPlan(question, tables)
	}

	plan, err := parsePlan(raw)
	if err != nil {
		p.logger.Warn("unparseable plan from LLM, using heuristics", "error", err)
		return heuristicPlan(question, tables)
	}
	return plan, nil
}

// parsePlan extracts the first JSON object from an LLM completion, tolerating
// surrounding prose or code fences.
func parsePlan(raw string) (*Plan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in completion")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &plan, nil
}

// heuristicPlan is the no-LLM fallback: match a table by name, detect count
// questions, and take a conservative row sample otherwise.
func heuristicPlan(question string, tables []string) (*Plan, error) {
	q := strings.ToLower(question)

	var table string
	for _, t := range tables {
		if strings.Contains(q, strings.ToLower(t)) ||
			strings.Contains(q, strings.ToLower(strings.TrimSuffix(t, "s"))) {
			table = t
			break
		}
	}
	if table == "" {
		return nil, domain.ErrValidation("could not determine which table the question refers to")
	}

	plan := &Plan{Table: table, Limit: 10}
	if strings.Contains(q, "how many") || strings.Contains(q, "count") || strings.Contains(q, "number of") {
		plan.Aggregate = "count"
	}
	return plan, nil
}

// ValidatePlan enforces the app's scope and the plan's structural rules.
// Out-of-range limits are clamped, not rejected.
func (p *Planner) ValidatePlan(plan *Plan, app *domain.App) error {
	if plan.Table == "" {
		return domain.ErrValidation("plan has no table")
	}
	if !identRe.MatchString(plan.Table) {
		return domain.ErrValidation(fmt.Sprintf("invalid table name %q", plan.Table))
	}
	if err := apps.AuthorizeTable(app, plan.Table, domain.RoleRead); err != nil {
		return err
	}

	if plan.Aggregate != "" && plan.Aggregate != "count" {
		return domain.ErrValidation(fmt.Sprintf("unsupported aggregate %q", plan.Aggregate))
	}

	for _, col := range plan.Columns {
		if !identRe.MatchString(col) {
			return domain.ErrValidation(fmt.Sprintf("invalid column name %q", col))
		}
	}
	for _, f := range plan.Filters {
		if !identRe.MatchString(f.Column) {
			return domain.ErrValidation(fmt.Sprintf("invalid filter column %q", f.Column))
		}
		if !allowedOps[f.Op] {
			return domain.ErrValidation(fmt.Sprintf("unsupported filter operator %q", f.Op))
		}
	}
	if plan.OrderBy != nil && !identRe.MatchString(plan.OrderBy.Column) {
		return domain.ErrValidation(fmt.Sprintf("invalid order_by column %q", plan.OrderBy.Column))
	}

	if plan.Limit <= 0 || plan.Limit > p.maxLimit {
		plan.Limit = p.maxLimit
	}
	return nil
}

// BuildQuery renders the plan as a GraphQL query. Identifiers were validated
// upstream; values are JSON-encoded, which matches GraphQL literal syntax for
// scalars and lists.
func BuildQuery(plan *Plan) (string, error) {
	var b strings.Builder
	b.WriteString("query {\n  ")

	var args []string
	if where := buildWhere(plan.Filters); where != "" {
		args = append(args, "where: "+where)
	}
	if plan.Aggregate == "" {
		if plan.OrderBy != nil {
			dir := "asc"
			if plan.OrderBy.Descending {
				dir = "desc"
			}
			args = append(args, fmt.Sprintf("order_by: {%s: %s}", plan.OrderBy.Column, dir))
		}
		args = append(args, fmt.Sprintf("limit: %d", plan.Limit))
	}

	if plan.Aggregate == "count" {
		b.WriteString(plan.Table + "_aggregate")
		if len(args) > 0 {
			b.WriteString("(" + strings.Join(args, ", ") + ")")
		}
		b.WriteString(" {\n    aggregate { count }\n  }\n}")
		return b.String(), nil
	}

	columns := plan.Columns
	if len(columns) == 0 {
		columns = []string{"__typename"}
	}

	b.WriteString(plan.Table)
	b.WriteString("(" + strings.Join(args, ", ") + ")")
	b.WriteString(" {\n")
	for _, col := range columns {
		b.WriteString("    " + col + "\n")
	}
	b.WriteString("  }\n}")
	return b.String(), nil
}

func buildWhere(filters []Filter) string {
	if len(filters) == 0 {
		return ""
	}

	var preds []string
	for _, f := range filters {
		val, err := json.Marshal(f.Value)
		if err != nil {
			continue
		}
		preds = append(preds, fmt.Sprintf("%s: {%s: %s}", f.Column, f.Op, string(val)))
	}
	return "{" + strings.Join(preds, ", ") + "}"
}

// CheckQuery statically verifies the generated document: it must parse, must
// be a query (never a mutation or subscription), and must stay within the
// nesting ceiling.
func CheckQuery(query string, maxDepth int) error {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return domain.ErrValidation(fmt.Sprintf("generated query does not parse: %v", err))
	}

	for _, op := range doc.Operations {
		if op.Operation != ast.Query {
			return domain.ErrForbidden("only read queries are allowed on the direct path")
		}
		if d := selectionDepth(op.SelectionSet); d > maxDepth {
			return domain.ErrValidation(fmt.Sprintf("query nesting %d exceeds ceiling %d", d, maxDepth))
		}
	}
	return nil
}

func selectionDepth(set ast.SelectionSet) int {
	max := 0
	for _, sel := range set {
		if f, ok := sel.(*ast.Field); ok {
			if d := 1 + selectionDepth(f.SelectionSet); d > max {
				max = d
			}
		}
	}
	return max
}

const synthesisSystem = `You summarize query results for a non-technical reader.
Answer the question directly in one or two sentences using only the provided data.`

// synthesize produces the natural-language answer. LLM failures degrade to a
// deterministic rendering rather than failing the query.
func (p *Planner) synthesize(ctx context.Context, question string, plan *Plan, data json.RawMessage) string {
	if p.llm != nil {
		user := fmt.Sprintf("Question: %s\n\nData: %s", question, truncate(string(data), 8000))
		if answer, err := p.llm.Complete(ctx, synthesisSystem, user); err == nil && strings.TrimSpace(answer) != "" {
			return strings.TrimSpace(answer)
		}
	}
	return fallbackAnswer(plan, data)
}

func fallbackAnswer(plan *Plan, data json.RawMessage) string {
	if plan.Aggregate == "count" {
		var payload map[string]struct {
			Aggregate struct {
				Count int `json:"count"`
			} `json:"aggregate"`
		}
		if err := json.Unmarshal(data, &payload); err == nil {
			if agg, ok := payload[plan.Table+"_aggregate"]; ok {
				return fmt.Sprintf("%s: %d rows match.", plan.Table, agg.Aggregate.Count)
			}
		}
	}

	var payload map[string][]json.RawMessage
	if err := json.Unmarshal(data, &payload); err == nil {
		if rows, ok := payload[plan.Table]; ok {
			return fmt.Sprintf("Returned %d rows from %s.", len(rows), plan.Table)
		}
	}
	return "Query executed; see the attached data."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
