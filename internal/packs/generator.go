package packs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/phishgraph/phishgraph/internal/graph"
)

// ErrSubjectNotFound is returned when the subject email does not exist in
// the graph. Not-found results are never cached, so a subject ingested
// moments later is visible immediately.
var ErrSubjectNotFound = fmt.Errorf("packs: subject email not found")

const subjectQuery = `MATCH (m:Email {message_id: $id})
OPTIONAL MATCH (m)<-[:SENT]-(sender:User)
RETURN m{.*} AS email, sender{.*} AS sender`

const senderNetworkQuery = `MATCH (m:Email {message_id: $id})<-[:SENT]-(sender:User)
MATCH (sender)-[:SENT]->(e:Email)
OPTIONAL MATCH (e)-[:RECEIVED_BY]->(r:User)
OPTIONAL MATCH (e)-[:CONTAINS_LINK]->(l:Link)
RETURN sender{.*} AS sender, e{.*} AS email, r{.*} AS recipient, l{.*} AS link
LIMIT 500`

const recipientNetworkQuery = `MATCH (m:Email {message_id: $id})-[:RECEIVED_BY]->(r:User)
OPTIONAL MATCH (other:Email)-[:RECEIVED_BY]->(r)
WHERE other.message_id <> $id
OPTIONAL MATCH (other)<-[:SENT]-(s:User)
RETURN r{.*} AS recipient, other{.*} AS email, s{.*} AS sender
LIMIT 500`

const campaignQuery = `MATCH (m:Email {message_id: $id})
MATCH (c:Email)
WHERE c.subject = m.subject
  AND c.message_id <> m.message_id
  AND c.sent_at >= m.sent_at - duration('PT24H')
  AND c.sent_at <= m.sent_at + duration('PT24H')
OPTIONAL MATCH (c)<-[:SENT]-(s:User)
OPTIONAL MATCH (c)-[:CONTAINS_LINK]->(l:Link)
RETURN c{.*} AS email, s{.*} AS sender, l{.*} AS link
LIMIT 500`

// Generator builds subgraph packs from fixed Cypher patterns and serves
// them through the injected cache. Cache writes happen in a background
// goroutine so a caller never waits on them.
type Generator struct {
	runner graph.Runner
	cache  *Cache
	logger *slog.Logger

	bg sync.WaitGroup
}

// NewGenerator creates a Generator.
func NewGenerator(runner graph.Runner, cache *Cache, logger *slog.Logger) *Generator {
	return &Generator{
		runner: runner,
		cache:  cache,
		logger: logger,
	}
}

// GetPack returns the pack for (subjectID, packType), serving from cache
// when a live entry exists and generating otherwise.
func (g *Generator) GetPack(ctx context.Context, subjectID string, packType PackType) (Pack, error) {
	if !packType.Valid() {
		return Pack{}, fmt.Errorf("packs: unknown pack type %q", packType)
	}
	if subjectID == "" {
		return Pack{}, fmt.Errorf("packs: subject id is empty")
	}

	if pack, ok := g.cache.Get(packType, subjectID); ok {
		g.logger.Debug("packs: cache hit", "type", packType, "subject", subjectID)
		return pack, nil
	}

	pack, err := g.generate(ctx, subjectID, packType)
	if err != nil {
		return Pack{}, err
	}

	// Fire-and-forget cache write: the caller already has the pack.
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		g.cache.Set(pack)
	}()

	g.logger.Info("packs: generated",
		"type", packType, "subject", subjectID,
		"nodes", len(pack.Nodes), "relationships", len(pack.Relationships))
	return pack, nil
}

// flush waits for pending background cache writes. Test hook.
func (g *Generator) flush() {
	g.bg.Wait()
}

func (g *Generator) generate(ctx context.Context, subjectID string, packType PackType) (Pack, error) {
	if packType == PackFullContext {
		return g.generateFullContext(ctx, subjectID)
	}

	b := newBuilder()
	subjectNodeID, err := g.addSubject(ctx, b, subjectID)
	if err != nil {
		return Pack{}, err
	}

	var query string
	var build func(*builder, string, []graph.Row)
	switch packType {
	case PackSenderNetwork:
		query, build = senderNetworkQuery, buildSenderNetwork
	case PackRecipientNetwork:
		query, build = recipientNetworkQuery, buildRecipientNetwork
	case PackCampaign:
		query, build = campaignQuery, buildCampaign
	}

	rows, err := g.runner.Run(ctx, query, map[string]any{"id": subjectID})
	if err != nil {
		return Pack{}, fmt.Errorf("packs: generate %s for %s: %w", packType, subjectID, err)
	}
	build(b, subjectNodeID, rows)

	return g.finish(subjectID, packType, query, b), nil
}

// generateFullContext fans out the three constituent packs concurrently and
// merges them with first-seen-wins dedup in a fixed order, so the merged
// pack is deterministic regardless of completion order.
func (g *Generator) generateFullContext(ctx context.Context, subjectID string) (Pack, error) {
	constituents := []PackType{PackSenderNetwork, PackRecipientNetwork, PackCampaign}
	results := make([]Pack, len(constituents))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, t := range constituents {
		eg.Go(func() error {
			pack, err := g.generate(egCtx, subjectID, t)
			if err != nil {
				return err
			}
			results[i] = pack
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Pack{}, err
	}

	b := newBuilder()
	for _, pack := range results {
		for _, n := range pack.Nodes {
			b.addNode(n)
		}
		for _, r := range pack.Relationships {
			b.addRel(r)
		}
	}

	source := fmt.Sprintf("union(%s, %s, %s)", PackSenderNetwork, PackRecipientNetwork, PackCampaign)
	return g.finish(subjectID, PackFullContext, source, b), nil
}

// addSubject loads the subject email (and its sender, if present) into the
// builder, failing when the subject does not exist. It returns the subject
// node's resolved ID so builders emit edges that reference the node as
// stored, whatever its id property looks like.
func (g *Generator) addSubject(ctx context.Context, b *builder, subjectID string) (string, error) {
	rows, err := g.runner.Run(ctx, subjectQuery, map[string]any{"id": subjectID})
	if err != nil {
		return "", fmt.Errorf("packs: load subject %s: %w", subjectID, err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}

	var subjectNodeID string
	for _, row := range rows {
		email, ok := emailNode(row["email"])
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
		}
		if subjectNodeID == "" {
			subjectNodeID = email.ID
		}
		b.addNode(email)
		if sender, ok := userNode(row["sender"]); ok {
			b.addNode(sender)
			b.addRel(Relationship{Source: sender.ID, Target: email.ID, Type: "SENT"})
		}
	}
	return subjectNodeID, nil
}

func (g *Generator) finish(subjectID string, packType PackType, source string, b *builder) Pack {
	return Pack{
		PackID:        uuid.NewString(),
		SubjectID:     subjectID,
		Type:          packType,
		Nodes:         b.nodeSlice(),
		Relationships: b.relSlice(),
		Metadata: Metadata{
			GeneratedAt: time.Now().UTC(),
			TTLSeconds:  int(packType.TTL().Seconds()),
			SourceQuery: source,
		},
	}
}

func buildSenderNetwork(b *builder, _ string, rows []graph.Row) {
	for _, row := range rows {
		sender, ok := userNode(row["sender"])
		if !ok {
			continue
		}
		b.addNode(sender)

		email, ok := emailNode(row["email"])
		if !ok {
			continue
		}
		b.addNode(email)
		b.addRel(Relationship{Source: sender.ID, Target: email.ID, Type: "SENT"})

		if rcpt, ok := userNode(row["recipient"]); ok {
			b.addNode(rcpt)
			b.addRel(Relationship{Source: email.ID, Target: rcpt.ID, Type: "RECEIVED_BY"})
		}
		if link, ok := linkNode(row["link"]); ok {
			b.addNode(link)
			b.addRel(Relationship{Source: email.ID, Target: link.ID, Type: "CONTAINS_LINK"})
		}
	}
}

func buildRecipientNetwork(b *builder, subjectNodeID string, rows []graph.Row) {
	for _, row := range rows {
		rcpt, ok := userNode(row["recipient"])
		if !ok {
			continue
		}
		b.addNode(rcpt)
		b.addRel(Relationship{Source: subjectNodeID, Target: rcpt.ID, Type: "RECEIVED_BY"})

		if email, ok := emailNode(row["email"]); ok {
			b.addNode(email)
			b.addRel(Relationship{Source: email.ID, Target: rcpt.ID, Type: "RECEIVED_BY"})
			if sender, ok := userNode(row["sender"]); ok {
				b.addNode(sender)
				b.addRel(Relationship{Source: sender.ID, Target: email.ID, Type: "SENT"})
			}
		}
	}
}

func buildCampaign(b *builder, _ string, rows []graph.Row) {
	for _, row := range rows {
		email, ok := emailNode(row["email"])
		if !ok {
			continue
		}
		b.addNode(email)

		if sender, ok := userNode(row["sender"]); ok {
			b.addNode(sender)
			b.addRel(Relationship{Source: sender.ID, Target: email.ID, Type: "SENT"})
		}
		if link, ok := linkNode(row["link"]); ok {
			b.addNode(link)
			b.addRel(Relationship{Source: email.ID, Target: link.ID, Type: "CONTAINS_LINK"})
		}
	}
}

// builder accumulates nodes and relationships with first-seen-wins dedup,
// preserving insertion order.
type builder struct {
	nodes    map[string]int
	nodeList []Node
	relSeen  map[string]struct{}
	relList  []Relationship
}

func newBuilder() *builder {
	return &builder{
		nodes:   make(map[string]int),
		relSeen: make(map[string]struct{}),
	}
}

func (b *builder) addNode(n Node) {
	if n.ID == "" {
		return
	}
	if _, ok := b.nodes[n.ID]; ok {
		return
	}
	b.nodes[n.ID] = len(b.nodeList)
	b.nodeList = append(b.nodeList, n)
}

func (b *builder) addRel(r Relationship) {
	key := r.Source + "\x00" + r.Type + "\x00" + r.Target
	if _, ok := b.relSeen[key]; ok {
		return
	}
	b.relSeen[key] = struct{}{}
	b.relList = append(b.relList, r)
}

func (b *builder) nodeSlice() []Node {
	if b.nodeList == nil {
		return []Node{}
	}
	return b.nodeList
}

func (b *builder) relSlice() []Relationship {
	if b.relList == nil {
		return []Relationship{}
	}
	return b.relList
}

// Property-map to node converters. Rows carry map projections (m{.*}); a nil
// value means the OPTIONAL MATCH found nothing.

func asProps(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || m == nil {
		return nil, false
	}
	return m, true
}

func nodeID(props map[string]any, prefix, key string) string {
	if id, ok := props["id"].(string); ok && id != "" {
		return id
	}
	if v, ok := props[key].(string); ok && v != "" {
		return prefix + ":" + v
	}
	return ""
}

func emailNode(v any) (Node, bool) {
	props, ok := asProps(v)
	if !ok {
		return Node{}, false
	}
	id := nodeID(props, "email", "message_id")
	if id == "" {
		return Node{}, false
	}
	return Node{ID: id, Label: "Email", Properties: props}, true
}

func userNode(v any) (Node, bool) {
	props, ok := asProps(v)
	if !ok {
		return Node{}, false
	}
	id := nodeID(props, "user", "address")
	if id == "" {
		return Node{}, false
	}
	return Node{ID: id, Label: "User", Properties: props}, true
}

func linkNode(v any) (Node, bool) {
	props, ok := asProps(v)
	if !ok {
		return Node{}, false
	}
	id := nodeID(props, "link", "url")
	if id == "" {
		return Node{}, false
	}
	return Node{ID: id, Label: "Link", Properties: props}, true
}
