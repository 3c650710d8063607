package model

import (
	"math"

	"github.com/nlpodyssey/spago/pkg/mat/rand"
	"github.com/nlpodyssey/spago/pkg/ml/ag"
	"github.com/nlpodyssey/spago/pkg/ml/initializers"
	"github.com/nlpodyssey/spago/pkg/ml/nn"
	"github.com/nlpodyssey/spago/pkg/ml/nn/linear"
	"github.com/nlpodyssey/spago/pkg/ml/nn/normalization/layernorm"
)

var (
	_ nn.Model     = &Attention{}
	_ nn.Processor = &AttentionProcessor{}
	_ nn.Model     = &Block{}
	_ nn.Processor = &BlockProcessor{}
)

// Attention is multi-head self-attention over a sequence of vectors.
// The attention scores are multiplied by Scale, which defaults to
// sqrt(head_dim): the original quant model inverted the conventional
// 1/sqrt(head_dim) factor and trained weights depend on it, so it is
// kept verbatim. A positive qkScale overrides it.
type Attention struct {
	Dim      int
	NumHeads int
	Scale    float64
	Query    []*linear.Model
	Key      []*linear.Model
	Value    []*linear.Model
	Proj     *linear.Model
	AttnDrop float64
	ProjDrop float64
}

func NewAttention(dim, numHeads int, qkvBias bool, qkScale, attnDrop, projDrop float64) *Attention {
	headDim := dim / numHeads
	scale := qkScale
	if scale <= 0 {
		scale = math.Sqrt(float64(headDim))
	}
	query := make([]*linear.Model, numHeads)
	key := make([]*linear.Model, numHeads)
	value := make([]*linear.Model, numHeads)
	for h := 0; h < numHeads; h++ {
		query[h] = newProjection(dim, headDim, qkvBias)
		key[h] = newProjection(dim, headDim, qkvBias)
		value[h] = newProjection(dim, headDim, qkvBias)
	}
	return &Attention{
		Dim:      dim,
		NumHeads: numHeads,
		Scale:    scale,
		Query:    query,
		Key:      key,
		Value:    value,
		Proj:     linear.New(dim, dim),
		AttnDrop: attnDrop,
		ProjDrop: projDrop,
	}
}

func newProjection(in, out int, bias bool) *linear.Model {
	if bias {
		return linear.New(in, out)
	}
	return linear.New(in, out, linear.BiasGrad(false))
}

func (m *Attention) Init(generator *rand.LockedRand) {
	for h := 0; h < m.NumHeads; h++ {
		initTruncNormal(m.Query[h].W.Value(), 0.02, generator)
		initTruncNormal(m.Key[h].W.Value(), 0.02, generator)
		initTruncNormal(m.Value[h].W.Value(), 0.02, generator)
	}
	initTruncNormal(m.Proj.W.Value(), 0.02, generator)
}

func (m *Attention) Params() []*nn.Param {
	var ps []*nn.Param
	for h := 0; h < m.NumHeads; h++ {
		ps = append(ps, m.Query[h].W, m.Query[h].B, m.Key[h].W, m.Key[h].B, m.Value[h].W, m.Value[h].B)
	}
	return append(ps, m.Proj.W, m.Proj.B)
}

type AttentionProcessor struct {
	nn.BaseProcessor
	model *Attention
	query []nn.Processor
	key   []nn.Processor
	value []nn.Processor
	proj  nn.Processor
}

func (m *Attention) NewProc(g *ag.Graph) nn.Processor {
	query := make([]nn.Processor, m.NumHeads)
	key := make([]nn.Processor, m.NumHeads)
	value := make([]nn.Processor, m.NumHeads)
	for h := 0; h < m.NumHeads; h++ {
		query[h] = m.Query[h].NewProc(g)
		key[h] = m.Key[h].NewProc(g)
		value[h] = m.Value[h].NewProc(g)
	}
	return &AttentionProcessor{
		BaseProcessor: nn.BaseProcessor{
			Model:             m,
			Mode:              nn.Training,
			Graph:             g,
			FullSeqProcessing: true,
		},
		model: m,
		query: query,
		key:   key,
		value: value,
		proj:  m.Proj.NewProc(g),
	}
}

func (p *AttentionProcessor) SetMode(mode nn.ProcessingMode) {
	p.Mode = mode
	nn.SetProcessingMode(mode, p.query...)
	nn.SetProcessingMode(mode, p.key...)
	nn.SetProcessingMode(mode, p.value...)
	p.proj.SetMode(mode)
}

// Forward treats xs as one sequence and returns one output per position.
func (p *AttentionProcessor) Forward(xs ...ag.Node) []ag.Node {
	g := p.Graph
	scale := g.Constant(p.model.Scale)

	contexts := make([][]ag.Node, p.model.NumHeads)
	for h := 0; h < p.model.NumHeads; h++ {
		qs := p.query[h].Forward(xs...)
		keys := g.Stack(p.key[h].Forward(xs...)...)
		values := g.T(g.Stack(p.value[h].Forward(xs...)...))

		contexts[h] = make([]ag.Node, len(xs))
		for i := range xs {
			scores := g.ProdScalar(g.Mul(keys, qs[i]), scale)
			attn := g.Softmax(scores)
			if p.Mode == nn.Training && p.model.AttnDrop > 0 {
				attn = g.Dropout(attn, p.model.AttnDrop)
			}
			contexts[h][i] = g.Mul(values, attn)
		}
	}

	concat := make([]ag.Node, len(xs))
	for i := range xs {
		heads := make([]ag.Node, p.model.NumHeads)
		for h := 0; h < p.model.NumHeads; h++ {
			heads[h] = contexts[h][i]
		}
		concat[i] = g.Concat(heads...)
	}

	out := p.proj.Forward(concat...)
	if p.Mode == nn.Training && p.model.ProjDrop > 0 {
		for i := range out {
			out[i] = g.Dropout(out[i], p.model.ProjDrop)
		}
	}
	return out
}

// Block is one encoder layer: pre-norm multi-head attention and a
// pre-norm feed-forward sublayer, each wrapped in a residual connection
// that may be dropped stochastically during training.
type Block struct {
	Norm1    *layernorm.Model
	Attn     *Attention
	Norm2    *layernorm.Model
	FC1      *linear.Model
	FC2      *linear.Model
	MLPDrop  float64
	DropPath float64
}

func NewBlock(dim, numHeads int, mlpRatio float64, qkvBias bool, qkScale, attnDrop, mlpDrop, dropPath float64) *Block {
	hidden := int(float64(dim) * mlpRatio)
	return &Block{
		Norm1:    layernorm.New(dim),
		Attn:     NewAttention(dim, numHeads, qkvBias, qkScale, attnDrop, mlpDrop),
		Norm2:    layernorm.New(dim),
		FC1:      linear.New(dim, hidden),
		FC2:      linear.New(hidden, dim),
		MLPDrop:  mlpDrop,
		DropPath: dropPath,
	}
}

func (m *Block) Init(generator *rand.LockedRand) {
	m.Attn.Init(generator)
	initTruncNormal(m.FC1.W.Value(), 0.02, generator)
	initTruncNormal(m.FC2.W.Value(), 0.02, generator)
	initializers.Ones(m.Norm1.W.Value())
	initializers.Ones(m.Norm2.W.Value())
}

func (m *Block) Params() []*nn.Param {
	ps := []*nn.Param{m.Norm1.W, m.Norm1.B}
	ps = append(ps, m.Attn.Params()...)
	return append(ps, m.Norm2.W, m.Norm2.B, m.FC1.W, m.FC1.B, m.FC2.W, m.FC2.B)
}

type BlockProcessor struct {
	nn.BaseProcessor
	model *Block
	norm1 nn.Processor
	attn  nn.Processor
	norm2 nn.Processor
	fc1   nn.Processor
	fc2   nn.Processor
}

func (m *Block) NewProc(g *ag.Graph) nn.Processor {
	return &BlockProcessor{
		BaseProcessor: nn.BaseProcessor{
			Model:             m,
			Mode:              nn.Training,
			Graph:             g,
			FullSeqProcessing: true,
		},
		model: m,
		norm1: m.Norm1.NewProc(g),
		attn:  m.Attn.NewProc(g),
		norm2: m.Norm2.NewProc(g),
		fc1:   m.FC1.NewProc(g),
		fc2:   m.FC2.NewProc(g),
	}
}

func (p *BlockProcessor) SetMode(mode nn.ProcessingMode) {
	p.Mode = mode
	nn.SetProcessingMode(mode, p.norm1, p.attn, p.norm2, p.fc1, p.fc2)
}

func (p *BlockProcessor) Forward(xs ...ag.Node) []ag.Node {
	g := p.Graph

	branch := p.dropPath(p.attn.Forward(p.norm1.Forward(xs...)...))
	res := make([]ag.Node, len(xs))
	for i := range xs {
		res[i] = g.Add(xs[i], branch[i])
	}

	mlp := make([]ag.Node, len(xs))
	for i, h := range p.norm2.Forward(res...) {
		h = g.GeLU(p.fc1.Forward(h)[0])
		if p.Mode == nn.Training && p.model.MLPDrop > 0 {
			h = g.Dropout(h, p.model.MLPDrop)
		}
		h = p.fc2.Forward(h)[0]
		if p.Mode == nn.Training && p.model.MLPDrop > 0 {
			h = g.Dropout(h, p.model.MLPDrop)
		}
		mlp[i] = h
	}
	mlp = p.dropPath(mlp)

	out := make([]ag.Node, len(xs))
	for i := range xs {
		out[i] = g.Add(res[i], mlp[i])
	}
	return out
}

// dropPath randomly suppresses the whole residual branch of one sample
// during training, scaling the kept branch by 1/(1-p). A single gate is
// drawn per call, i.e. per sample, not per position.
func (p *BlockProcessor) dropPath(branch []ag.Node) []ag.Node {
	if p.Mode != nn.Training || p.model.DropPath <= 0 {
		return branch
	}
	g := p.Graph
	gate := g.Dropout(g.NewScalar(1.0), p.model.DropPath)
	out := make([]ag.Node, len(branch))
	for i := range branch {
		out[i] = g.ProdScalar(branch[i], gate)
	}
	return out
}
