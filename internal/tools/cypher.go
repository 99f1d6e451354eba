package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"McpToolbox/internal/logger"
	"McpToolbox/internal/metrics"
	"McpToolbox/internal/sources"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"gopkg.in/yaml.v3"
)

const KindNeo4jCypher = "neo4j-cypher"

type cypherConfig struct {
	Config `yaml:",inline"`
	Cypher string `yaml:"cypher"`
}

// CypherTool 在 Neo4j 数据源上执行 Cypher
type CypherTool struct {
	base
	source        sources.CypherSource
	defaultCypher string
}

func newCypherTool(name string, node *yaml.Node, srcs map[string]sources.Source) (Tool, error) {
	var cfg cypherConfig
	if err := node.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s tool %q: invalid config: %w", KindNeo4jCypher, name, err)
	}

	tool, err := NewCypherTool(name, cfg.Config, cfg.Cypher, nil)
	if err != nil {
		return nil, err
	}

	src, err := lookupSource(name, cfg.Source, sources.KindNeo4j, srcs)
	if err != nil {
		return nil, err
	}
	cypherSrc, ok := src.(sources.CypherSource)
	if !ok {
		return nil, fmt.Errorf("source %q for tool %q does not support cypher", cfg.Source, name)
	}
	tool.source = cypherSrc
	return tool, nil
}

// NewCypherTool 直接用数据源构造 Cypher 工具，cypher 为空时使用 statement
func NewCypherTool(name string, cfg Config, cypher string, source sources.CypherSource) (*CypherTool, error) {
	b, err := newBase(name, KindNeo4jCypher, cfg)
	if err != nil {
		return nil, err
	}
	if cypher == "" {
		cypher = cfg.Statement
	}
	return &CypherTool{base: b, source: source, defaultCypher: cypher}, nil
}

// Invoke 执行 Cypher。支持 cypher、params（或 args）、transaction_type、session_database
func (t *CypherTool) Invoke(ctx context.Context, params map[string]any) (result any, err error) {
	start := time.Now()
	labels := []metrics.Label{metrics.L("tool", t.name), metrics.L("kind", t.kind)}
	metrics.IncrCounter([]string{"tool", "invoke"}, labels...)
	defer func() {
		metrics.MeasureSince([]string{"tool", "invoke", "latency"}, start, labels...)
		if err != nil {
			metrics.IncrCounter([]string{"tool", "invoke", "errors"}, labels...)
		}
	}()

	query, err := t.buildQuery(params)
	if err != nil {
		return nil, err
	}

	logger.Info("invoking cypher tool", "tool", t.name, "source", t.source.Name(),
		"write", query.Write, "database", query.Database, "cypher", truncate(query.Cypher, 100))

	result, err = t.source.RunCypher(ctx, query)
	if err != nil {
		var neoErr *neo4j.Neo4jError
		switch {
		case errors.As(err, &neoErr):
			logger.Error("neo4j database error", "tool", t.name, "code", neoErr.Code, "error", neoErr.Msg)
			return nil, invalidParams("Neo4j Error (%s): %s", neoErr.Code, neoErr.Msg)
		case neo4j.IsConnectivityError(err):
			return nil, fmt.Errorf("%w: source %q not reachable: %v", ErrConnection, t.source.Name(), err)
		default:
			logger.Error("cypher tool failed", "tool", t.name, "error", err)
			return nil, err
		}
	}
	return result, nil
}

func (t *CypherTool) buildQuery(params map[string]any) (sources.CypherQuery, error) {
	q := sources.CypherQuery{Cypher: t.defaultCypher}

	if raw, ok := params["cypher"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return q, invalidParams("'cypher' must be a string")
		}
		q.Cypher = s
	}
	if strings.TrimSpace(q.Cypher) == "" {
		return q, invalidParams("no Cypher query provided for Neo4j tool")
	}

	rawParams, ok := params["params"]
	if !ok {
		rawParams = params["args"]
	}
	switch v := rawParams.(type) {
	case nil:
		q.Params = map[string]any{}
	case map[string]any:
		q.Params = v
	default:
		return q, invalidParams("parameters for Neo4j Cypher query must be an object")
	}

	txType := "read"
	if raw, ok := params["transaction_type"].(string); ok && raw != "" {
		txType = strings.ToLower(raw)
	}
	switch txType {
	case "read":
	case "write":
		q.Write = true
	default:
		return q, invalidParams("invalid transaction_type %q, must be 'read' or 'write'", txType)
	}

	if db, ok := params["session_database"].(string); ok {
		q.Database = db
	}
	return q, nil
}
