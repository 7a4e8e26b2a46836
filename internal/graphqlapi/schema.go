// Package graphqlapi builds the GraphQL schema that fronts the Query
// Service: a single schema spanning every registered contract and event
// type, rather than the teacher's one-schema-per-WeightChanged-deployment
// shape.
package graphqlapi

import (
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"github.com/vocdoni/chainindex/internal/query"
	"github.com/vocdoni/chainindex/internal/store"
)

// jsonScalar passes decoded event data through unchanged: it is already a
// map[string]any produced by the decoder's canonical value conversion.
var jsonScalar = graphql.NewScalar(graphql.ScalarConfig{
	Name: "JSON",
	Serialize: func(value interface{}) interface{} {
		return value
	},
	ParseValue: func(value interface{}) interface{} {
		return value
	},
	ParseLiteral: func(valueAST ast.Value) interface{} {
		return nil
	},
})

var eventType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Event",
	Fields: graphql.Fields{
		"id":              &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
		"contractAddress": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"eventName":       &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"blockNumber":     &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
		"transactionHash": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		"logIndex":        &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"eventData":       &graphql.Field{Type: jsonScalar},
		"indexedAt":       &graphql.Field{Type: graphql.NewNonNull(graphql.DateTime)},
	},
})

var statsType = graphql.NewObject(graphql.ObjectConfig{
	Name: "Stats",
	Fields: graphql.Fields{
		"totalEvents":     &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"uniqueContracts": &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
		"latestBlock":     &graphql.Field{Type: graphql.NewNonNull(graphql.Float)},
	},
})

// NewSchema builds the single GraphQL schema served for every registered
// contract, backed by svc's read-through cache.
func NewSchema(svc *query.Service) (graphql.Schema, error) {
	if svc == nil {
		return graphql.Schema{}, fmt.Errorf("query service is required")
	}

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"events": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(eventType))),
				Args: graphql.FieldConfigArgument{
					"contractAddress": &graphql.ArgumentConfig{Type: graphql.String},
					"eventName":       &graphql.ArgumentConfig{Type: graphql.String},
					"fromBlock":       &graphql.ArgumentConfig{Type: graphql.Float},
					"toBlock":         &graphql.ArgumentConfig{Type: graphql.Float},
					"limit":           &graphql.ArgumentConfig{Type: graphql.Int},
					"offset":          &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					filter := store.QueryFilter{}
					if v, ok := p.Args["contractAddress"].(string); ok && v != "" {
						filter.ContractAddress = v
						filter.HasContractAddress = true
					}
					if v, ok := p.Args["eventName"].(string); ok && v != "" {
						filter.EventName = v
						filter.HasEventName = true
					}
					if v, ok := p.Args["fromBlock"].(float64); ok {
						filter.BlockNumberGTE = int64(v)
						filter.HasBlockNumberGTE = true
					}
					if v, ok := p.Args["toBlock"].(float64); ok {
						filter.BlockNumberLTE = int64(v)
						filter.HasBlockNumberLTE = true
					}
					if v, ok := p.Args["limit"].(int); ok {
						filter.Limit = v
					}
					if v, ok := p.Args["offset"].(int); ok {
						filter.Offset = v
					}
					return svc.Query(p.Context, filter)
				},
			},
			"event": &graphql.Field{
				Type: eventType,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					id, _ := p.Args["id"].(string)
					ev, found, err := svc.GetEvent(p.Context, id)
					if err != nil {
						return nil, err
					}
					if !found {
						return nil, nil
					}
					return ev, nil
				},
			},
			"recentEvents": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(eventType))),
				Args: graphql.FieldConfigArgument{
					"limit": &graphql.ArgumentConfig{Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					limit, _ := p.Args["limit"].(int)
					return svc.RecentEvents(p.Context, limit)
				},
			},
			"eventsByTransaction": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(eventType))),
				Args: graphql.FieldConfigArgument{
					"transactionHash": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					txHash, _ := p.Args["transactionHash"].(string)
					return svc.EventsByTransaction(p.Context, txHash)
				},
			},
			"stats": &graphql.Field{
				Type: graphql.NewNonNull(statsType),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return svc.Stats(p.Context)
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
}
