package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-defense/pkg/domain"
)

const contactCatalog = `
default_profile_id: contact
profiles:
  - id: contact
    name: Contact form
    priority: 10
    settings:
      default_action: ALLOW
      max_execution_time_ms: 40
    attack_signatures:
      merge_mode: union
      items:
        - signature_id: seo-spam
          priority: 1
        - signature_id: casino
          enabled: false
    graph:
      nodes:
        - id: start
          type: start
          outputs: {next: honeypot}
        - id: honeypot
          type: defense
          defense: honeypot
          config:
            fields: [website]
            score: 100
          outputs: {next: keywords}
        - id: keywords
          type: defense
          defense: keyword_filter
          outputs: {next: learn}
        - id: learn
          type: observation
          mechanism: field_learning
          config: {sample_rate: 0.5}
          outputs: {next: score}
        - id: score
          type: operator
          operator: threshold_branch
          inputs: [honeypot, keywords]
          ranges:
            - {min: 0, max: 50, output: low}
            - {min: 50, output: high}
          outputs: {low: allow, high: slow}
        - id: slow
          type: action
          action: tarpit
          tarpit_delay_ms: 1500
          reason: suspicious content
        - id: allow
          type: action
          action: allow
  - id: strict
    extends: contact
    enabled: false
signatures:
  - id: seo-spam
    name: SEO spam
    priority: 5
    signatures:
      keyword_filter:
        keywords: [backlinks, "cheap seo"]
    thresholds:
      block_score: 80
    tags: [spam]
    expires_at: 2030-01-01T00:00:00Z
endpoints:
  - host: example.com
    path_prefix: /contact
    attachment:
      profiles:
        - {id: contact, priority: 1, weight: 0.5}
        - {id: strict, priority: 2}
      aggregation: majority
      short_circuit: true
    defense_lines:
      - profile_id: strict
        signature_ids: [seo-spam]
        inline_signatures:
          pattern_scan:
            block: true
`

func TestParseCatalogYAML(t *testing.T) {
	doc, err := ParseCatalog([]byte(contactCatalog))
	require.NoError(t, err)

	cat, err := doc.ToDomain()
	require.NoError(t, err)

	assert.Equal(t, "contact", cat.DefaultProfileID)
	require.Len(t, cat.Profiles, 2)

	contact := cat.Profiles[0]
	assert.True(t, contact.Enabled, "enabled defaults to true")
	assert.Equal(t, domain.ActionAllow, contact.Settings.DefaultAction)
	assert.Equal(t, 40, contact.Settings.MaxExecutionTimeMS)
	require.Len(t, contact.Graph.Nodes, 7)

	index := contact.Graph.Index()
	def, ok := index["honeypot"].(*domain.DefenseNode)
	require.True(t, ok)
	assert.Equal(t, domain.DefenseHoneypot, def.Defense)
	assert.Equal(t, []string{"website"}, def.Config.Strings("fields"))
	assert.Equal(t, 100.0, def.Config.Float("score", 0))

	obs, ok := index["learn"].(*domain.ObservationNode)
	require.True(t, ok)
	assert.Equal(t, domain.ObservationFieldLearning, obs.Mechanism)

	op, ok := index["score"].(*domain.OperatorNode)
	require.True(t, ok)
	assert.Equal(t, domain.OperatorThresholdBranch, op.Operator)
	require.Len(t, op.Ranges, 2)
	assert.Nil(t, op.Ranges[1].Max)
	assert.Equal(t, "slow", op.Outputs["high"])

	act, ok := index["slow"].(*domain.ActionNode)
	require.True(t, ok)
	assert.Equal(t, domain.ActionTarpit, act.Action)
	assert.Equal(t, 1500, act.Config.TarpitDelayMS)
	assert.Equal(t, "suspicious content", act.Config.Reason)

	require.NotNil(t, contact.AttackSignatures)
	assert.True(t, contact.AttackSignatures.Items[0].Enabled)
	assert.False(t, contact.AttackSignatures.Items[1].Enabled)

	strict := cat.Profiles[1]
	assert.Equal(t, "contact", strict.Extends)
	assert.False(t, strict.Enabled)
	assert.Empty(t, strict.Graph.Nodes)

	require.Len(t, cat.Signatures, 1)
	sig := cat.Signatures[0]
	assert.True(t, sig.Enabled)
	assert.Equal(t, []string{"backlinks", "cheap seo"}, sig.Signatures[domain.DefenseKeywordFilter].Strings("keywords"))
	require.NotNil(t, sig.Thresholds.BlockScore)
	assert.Equal(t, 80.0, *sig.Thresholds.BlockScore)
	require.NotNil(t, sig.ExpiresAt)
	assert.Equal(t, 2030, sig.ExpiresAt.Year())

	require.Len(t, cat.Endpoints, 1)
	ep := cat.Endpoints[0]
	assert.True(t, ep.Attachment.Enabled)
	assert.Equal(t, 0.5, ep.Attachment.Profiles[0].EffectiveWeight())
	assert.Equal(t, 1.0, ep.Attachment.Profiles[1].EffectiveWeight())
	assert.True(t, ep.Attachment.ShortCircuit)
	require.Len(t, ep.DefenseLines, 1)
	assert.True(t, ep.DefenseLines[0].Enabled)
	assert.True(t, ep.DefenseLines[0].InlineSignatures[domain.DefensePatternScan].Bool("block", false))
}

func TestParseCatalogJSON(t *testing.T) {
	data := `{"profiles":[{"id":"p","graph":{"nodes":[
		{"id":"start","type":"start","outputs":{"next":"allow"}},
		{"id":"allow","type":"action","action":"allow"}]}}]}`

	doc, err := ParseCatalog([]byte(data))
	require.NoError(t, err)
	cat, err := doc.ToDomain()
	require.NoError(t, err)
	require.Len(t, cat.Profiles, 1)
	assert.Len(t, cat.Profiles[0].Graph.Nodes, 2)
}

func TestParseCatalogRejects(t *testing.T) {
	t.Run("empty document", func(t *testing.T) {
		doc, err := ParseCatalog(nil)
		require.NoError(t, err)
		assert.Empty(t, doc.Profiles)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := ParseCatalog([]byte("profiles:\n  - id: p\n    grpah: {}\n"))
		require.Error(t, err)
	})

	t.Run("conversion problems are joined", func(t *testing.T) {
		doc := &CatalogDocument{
			Profiles: []ProfileSpec{
				{ID: "a", Graph: GraphSpec{Nodes: []NodeSpec{{ID: "x", Type: "router"}}}},
				{ID: "b"},
				{ID: "b"},
			},
			Signatures: []SignatureSpec{
				{ID: "s", Signatures: map[string]map[string]any{"telepathy": {}}},
			},
		}
		_, err := doc.ToDomain()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown type "router"`)
		assert.Contains(t, err.Error(), `profile "b" defined twice`)
		assert.Contains(t, err.Error(), `unknown defense type "telepathy"`)
	})
}

func TestProfileRoundTrip(t *testing.T) {
	original := domain.LegacyDefaultProfile()

	spec := ProfileFromDomain(original)
	assert.True(t, spec.Builtin)
	require.NotNil(t, spec.Enabled)

	back, err := spec.ToDomain()
	require.NoError(t, err)
	assert.Equal(t, original, back)
}
