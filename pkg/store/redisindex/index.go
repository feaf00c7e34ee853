// Package redisindex serves case summaries and entity-overlap neighbor
// lookups from a Redis index. It is the production CaseSource behind
// enrichment: summaries live at soc:case:<id>, and each entity key owns
// a set of the case ids that touched it.
package redisindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pipeline"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
)

const (
	casePrefix   = "soc:case:"
	entityPrefix = "soc:entity:"
)

// DefaultMaxRelated caps one neighbor lookup.
const DefaultMaxRelated = 20

// Index is the Redis-backed case/entity store. Entity keys must be
// normalized by the caller before both indexing and lookup, or the
// same entity spelled two ways lands in two sets.
type Index struct {
	client     *redis.Client
	maxRelated int
}

var (
	_ pipeline.CaseSource  = (*Index)(nil)
	_ pipeline.CaseIndexer = (*Index)(nil)
)

// New connects to a Redis server.
func New(addr, password string, db int) *Index {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Index{client: rdb, maxRelated: DefaultMaxRelated}
}

// NewWithClient wraps an existing client. The caller keeps ownership
// of its lifecycle.
func NewWithClient(client *redis.Client) *Index {
	return &Index{client: client, maxRelated: DefaultMaxRelated}
}

// WithMaxRelated bounds FetchRelatedCases result sets.
func (x *Index) WithMaxRelated(n int) *Index {
	if n > 0 {
		x.maxRelated = n
	}
	return x
}

// Ping reports whether the index is reachable.
func (x *Index) Ping(ctx context.Context) error {
	return x.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (x *Index) Close() error {
	return x.client.Close()
}

// IndexCase stores the summary and adds the case to every entity set
// in one transaction.
func (x *Index) IndexCase(ctx context.Context, summary *soc.CaseSummary) error {
	if summary == nil || summary.CaseID == "" {
		return errors.New("redisindex: summary with a case id required")
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode case %s: %w", summary.CaseID, err)
	}

	pipe := x.client.TxPipeline()
	pipe.Set(ctx, casePrefix+summary.CaseID, raw, 0)
	for _, entity := range summary.Entities {
		pipe.SAdd(ctx, entityPrefix+entity, summary.CaseID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index case %s: %w", summary.CaseID, err)
	}
	return nil
}

// RemoveCase deletes the summary and its entity memberships.
func (x *Index) RemoveCase(ctx context.Context, id string) error {
	summary, err := x.FetchCase(ctx, id)
	if err != nil {
		return err
	}

	pipe := x.client.TxPipeline()
	pipe.Del(ctx, casePrefix+id)
	if summary != nil {
		for _, entity := range summary.Entities {
			pipe.SRem(ctx, entityPrefix+entity, id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove case %s: %w", id, err)
	}
	return nil
}

// FetchCase returns the stored summary, or nil for unknown ids.
func (x *Index) FetchCase(ctx context.Context, id string) (*soc.CaseSummary, error) {
	raw, err := x.client.Get(ctx, casePrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case %s: %w", id, err)
	}
	var summary soc.CaseSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, fmt.Errorf("decode case %s: %w", id, err)
	}
	return &summary, nil
}

// FetchRelatedCases scores candidates by entity overlap: similarity is
// the fraction of the queried entities each candidate shares. Results
// come back highest first, ties broken by case id, capped at the
// configured maximum. The anchor case scores 1.0 against its own
// entities; callers drop it.
func (x *Index) FetchRelatedCases(ctx context.Context, entities []string) ([]soc.RelatedCase, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	hits := make(map[string]int)
	for _, entity := range entities {
		members, err := x.client.SMembers(ctx, entityPrefix+entity).Result()
		if err != nil {
			return nil, fmt.Errorf("members of entity %q: %w", entity, err)
		}
		for _, id := range members {
			hits[id]++
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	related := make([]soc.RelatedCase, 0, len(hits))
	for id, count := range hits {
		summary, err := x.FetchCase(ctx, id)
		if err != nil {
			return nil, err
		}
		if summary == nil {
			// Entity member without a summary is a stale index entry.
			continue
		}
		related = append(related, soc.RelatedCase{
			CaseID:     id,
			RuleID:     summary.RuleID,
			Similarity: float64(count) / float64(len(entities)),
		})
	}

	sort.Slice(related, func(i, j int) bool {
		if related[i].Similarity != related[j].Similarity {
			return related[i].Similarity > related[j].Similarity
		}
		return related[i].CaseID < related[j].CaseID
	})
	if len(related) > x.maxRelated {
		related = related[:x.maxRelated]
	}
	return related, nil
}
