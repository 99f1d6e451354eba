package sources

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"gopkg.in/yaml.v3"
)

// Neo4jConfig Neo4j 数据源配置
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Neo4jSource Neo4j 数据源
type Neo4jSource struct {
	name   string
	config Neo4jConfig
	driver neo4j.DriverWithContext
}

func newNeo4jSource(name string, node *yaml.Node) (Source, error) {
	cfg := Neo4jConfig{}
	if err := decode(name, node, &cfg); err != nil {
		return nil, err
	}
	if err := requireFields(name, KindNeo4j, map[string]string{
		"uri":      cfg.URI,
		"user":     cfg.User,
		"password": cfg.Password,
	}); err != nil {
		return nil, err
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j source %q: failed to create driver: %w", name, err)
	}

	return &Neo4jSource{name: name, config: cfg, driver: driver}, nil
}

func (s *Neo4jSource) Name() string { return s.name }

func (s *Neo4jSource) Kind() string { return KindNeo4j }

// Database 默认数据库，空表示服务端默认库
func (s *Neo4jSource) Database() string { return s.config.Database }

// Close 关闭驱动
func (s *Neo4jSource) Close() error {
	return s.driver.Close(context.Background())
}

// RunCypher 执行 Cypher。读事务返回记录列表，写事务返回执行摘要
func (s *Neo4jSource) RunCypher(ctx context.Context, q CypherQuery) (any, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if q.Write {
		opts[0] = neo4j.ExecuteQueryWithWritersRouting()
	}

	database := q.Database
	if database == "" {
		database = s.config.Database
	}
	if database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(database))
	}

	params := q.Params
	if params == nil {
		params = map[string]any{}
	}

	result, err := neo4j.ExecuteQuery(ctx, s.driver, q.Cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}

	if q.Write {
		return summaryToMap(result.Summary), nil
	}

	records := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		records = append(records, record.AsMap())
	}
	return records, nil
}

func summaryToMap(summary neo4j.ResultSummary) map[string]any {
	counters := summary.Counters()
	database := "default"
	if info := summary.Database(); info != nil && info.Name() != "" {
		database = info.Name()
	}

	return map[string]any{
		"counters": map[string]any{
			"nodes_created":          counters.NodesCreated(),
			"nodes_deleted":          counters.NodesDeleted(),
			"relationships_created":  counters.RelationshipsCreated(),
			"relationships_deleted":  counters.RelationshipsDeleted(),
			"properties_set":         counters.PropertiesSet(),
			"labels_added":           counters.LabelsAdded(),
			"labels_removed":         counters.LabelsRemoved(),
			"indexes_added":          counters.IndexesAdded(),
			"indexes_removed":        counters.IndexesRemoved(),
			"constraints_added":      counters.ConstraintsAdded(),
			"constraints_removed":    counters.ConstraintsRemoved(),
			"system_updates":         counters.SystemUpdates(),
			"contains_updates":       counters.ContainsUpdates(),
			"contains_system_update": counters.ContainsSystemUpdates(),
		},
		"query_type":             statementType(summary.StatementType()),
		"database":               database,
		"result_available_after": summary.ResultAvailableAfter().Milliseconds(),
		"result_consumed_after":  summary.ResultConsumedAfter().Milliseconds(),
	}
}

func statementType(t neo4j.StatementType) string {
	switch t {
	case neo4j.StatementTypeReadOnly:
		return "r"
	case neo4j.StatementTypeReadWrite:
		return "rw"
	case neo4j.StatementTypeWriteOnly:
		return "w"
	case neo4j.StatementTypeSchemaWrite:
		return "s"
	default:
		return ""
	}
}
