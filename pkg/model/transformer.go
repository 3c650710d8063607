package model

import (
	"fmt"
	"math"

	"github.com/nlpodyssey/spago/pkg/mat"
	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/layernorm"
)

var (
	_ nn.Model     = &Transformer{}
	_ nn.Processor = &TransformerProcessor{}
)

type NetConfig struct {
	DFeat     int     `json:"d_feat"`
	EmbedDim  int     `json:"hidden_size"`
	Depth     int     `json:"depth"`
	NumHeads  int     `json:"num_heads"`
	MLPRatio  float64 `json:"mlp_ratio"`
	QKVBias   bool    `json:"qkv_bias"`
	QKScale   float64 `json:"qk_scale"`
	PosDrop   float64 `json:"pos_drop"`
	MLPDrop   float64 `json:"mlp_drop"`
	AttnDrop  float64 `json:"attn_drop"`
	DropPath  float64 `json:"drop_path"`
	MaxSeqLen int     `json:"max_seq_len"`
}

func DefaultNetConfig() NetConfig {
	return NetConfig{
		DFeat:     6,
		EmbedDim:  48,
		Depth:     5,
		NumHeads:  4,
		MLPRatio:  4.0,
		QKVBias:   true,
		PosDrop:   0.1,
		MaxSeqLen: 65,
	}
}

// Transformer is an encoder-only regression network over per-timestep
// feature vectors. A learnable aggregation token is prepended to every
// sequence and its final representation, after the last normalization,
// is mapped to a single scalar by the head.
type Transformer struct {
	NetConfig
	Embed    *linear.Model
	AggToken *nn.Param
	Blocks   []*Block
	Norm     *layernorm.Model
	Head     *linear.Model
}

func NewTransformer(config NetConfig) (*Transformer, error) {
	if config.DFeat <= 0 || config.EmbedDim <= 0 || config.Depth <= 0 {
		return nil, NewConfigurationError("d_feat, embed_dim and depth must be positive, got %d/%d/%d",
			config.DFeat, config.EmbedDim, config.Depth)
	}
	if config.NumHeads <= 0 || config.EmbedDim%config.NumHeads != 0 {
		return nil, NewConfigurationError("embed_dim %d is not divisible by num_heads %d",
			config.EmbedDim, config.NumHeads)
	}
	if config.MaxSeqLen <= 1 {
		return nil, NewConfigurationError("max sequence length %d is too small", config.MaxSeqLen)
	}

	blocks := make([]*Block, config.Depth)
	for i := range blocks {
		blocks[i] = NewBlock(
			config.EmbedDim,
			config.NumHeads,
			config.MLPRatio,
			config.QKVBias,
			config.QKScale,
			config.AttnDrop,
			config.MLPDrop,
			dropPathRate(config.DropPath, i, config.Depth),
		)
	}
	return &Transformer{
		NetConfig: config,
		Embed:     linear.New(config.DFeat, config.EmbedDim),
		AggToken:  nn.NewParam(mat.NewEmptyVecDense(config.EmbedDim)),
		Blocks:    blocks,
		Norm:      layernorm.New(config.EmbedDim),
		Head:      linear.New(config.EmbedDim, 1),
	}, nil
}

// dropPathRate interpolates the stochastic depth probability linearly
// from zero at the first block to the configured maximum at the last.
func dropPathRate(maxRate float64, index, depth int) float64 {
	if depth <= 1 {
		return maxRate
	}
	return maxRate * float64(index) / float64(depth-1)
}

func (m *Transformer) Init(generator *rand.LockedRand) {
	initTruncNormal(m.Embed.W.Value(), 0.02, generator)
	initTruncNormal(m.AggToken.Value(), 0.02, generator)
	for _, block := range m.Blocks {
		block.Init(generator)
	}
	initializers.Ones(m.Norm.W.Value())
	initTruncNormal(m.Head.W.Value(), 0.02, generator)
}

// Params enumerates every learnable parameter in a fixed order, which
// the trainer relies on for snapshot and restore.
func (m *Transformer) Params() []*nn.Param {
	ps := []*nn.Param{m.Embed.W, m.Embed.B, m.AggToken}
	for _, block := range m.Blocks {
		ps = append(ps, block.Params()...)
	}
	return append(ps, m.Norm.W, m.Norm.B, m.Head.W, m.Head.B)
}

// SeqLen validates the flattened length of one input row and returns the
// number of timesteps it encodes.
func (m *Transformer) SeqLen(flatLen int) (int, error) {
	if flatLen <= 0 || flatLen%m.DFeat != 0 {
		return 0, fmt.Errorf("feature length %d is not a positive multiple of d_feat %d", flatLen, m.DFeat)
	}
	steps := flatLen / m.DFeat
	if steps+1 > m.MaxSeqLen {
		return 0, fmt.Errorf("sequence length %d exceeds the maximum of %d", steps+1, m.MaxSeqLen)
	}
	return steps, nil
}

type TransformerProcessor struct {
	nn.BaseProcessor
	model  *Transformer
	embed  nn.Processor
	blocks []nn.Processor
	norm   nn.Processor
	head   nn.Processor
	posFor []*mat.Dense
}

func (m *Transformer) NewProc(g *ag.Graph) nn.Processor {
	blocks := make([]nn.Processor, len(m.Blocks))
	for i := range blocks {
		blocks[i] = m.Blocks[i].NewProc(g)
	}
	return &TransformerProcessor{
		BaseProcessor: nn.BaseProcessor{
			Model:             m,
			Mode:              nn.Training,
			Graph:             g,
			FullSeqProcessing: true,
		},
		model:  m,
		embed:  m.Embed.NewProc(g),
		blocks: blocks,
		norm:   m.Norm.NewProc(g),
		head:   m.Head.NewProc(g),
		posFor: positionalTable(m.MaxSeqLen, m.EmbedDim),
	}
}

func (p *TransformerProcessor) SetMode(mode nn.ProcessingMode) {
	p.Mode = mode
	p.embed.SetMode(mode)
	nn.SetProcessingMode(mode, p.blocks...)
	p.norm.SetMode(mode)
	p.head.SetMode(mode)
}

// Forward takes one flattened feature vector per sample and returns one
// scalar prediction per sample. Lengths must have been validated with
// SeqLen beforehand.
func (p *TransformerProcessor) Forward(xs ...ag.Node) []ag.Node {
	out := make([]ag.Node, len(xs))
	for i, x := range xs {
		out[i] = p.forwardSample(x)
	}
	return out
}

func (p *TransformerProcessor) forwardSample(x ag.Node) ag.Node {
	g := p.Graph
	m := p.model

	data := x.Value().Data()
	steps := len(data) / m.DFeat
	embedScale := g.Constant(math.Sqrt(float64(m.EmbedDim)))

	// The flattened layout is [feature][time]: element f*steps+t.
	seq := make([]ag.Node, 0, steps+1)
	seq = append(seq, g.NewWrap(m.AggToken))
	for t := 0; t < steps; t++ {
		step := make([]float64, m.DFeat)
		for f := 0; f < m.DFeat; f++ {
			step[f] = data[f*steps+t]
		}
		embedded := p.embed.Forward(g.NewVariable(mat.NewVecDense(step), false))[0]
		seq = append(seq, g.ProdScalar(embedded, embedScale))
	}

	for i := range seq {
		seq[i] = g.Add(seq[i], g.NewVariable(p.posFor[i], false))
		if p.Mode == nn.Training && m.PosDrop > 0 {
			seq[i] = g.Dropout(seq[i], m.PosDrop)
		}
	}

	for _, block := range p.blocks {
		seq = block.Forward(seq...)
	}
	seq = p.norm.Forward(seq...)
	return p.head.Forward(seq[0])[0]
}

// positionalTable builds the fixed sinusoidal encoding, one vector per
// position up to maxLen.
func positionalTable(maxLen, dim int) []*mat.Dense {
	table := make([]*mat.Dense, maxLen)
	for pos := 0; pos < maxLen; pos++ {
		values := make([]float64, dim)
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			values[i] = math.Sin(angle)
			if i+1 < dim {
				values[i+1] = math.Cos(angle)
			}
		}
		table[pos] = mat.NewVecDense(values)
	}
	return table
}
