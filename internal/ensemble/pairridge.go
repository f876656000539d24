package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"almlp/internal/model"
)

// Member is one surrogate model of the ensemble.
type Member interface {
	Fit(ctx context.Context, frames []model.Frame) error
	Predict(s model.Structure) (model.Result, error)
}

// MemberFactory builds the member at index i. Members must derive any
// randomness from i so that training is reproducible.
type MemberFactory func(i int) (Member, error)

type PairRidgeConfig struct {
	Cutoff      float64
	NBasis      int
	Width       float64
	Lambda      float64
	ForceWeight float64
	// Jitter shifts each basis centre by up to Jitter * spacing.
	Jitter float64
	Seed   uint64
}

// PairRidge is a linear pair potential: a per-species one-body energy plus,
// for every species pair, Gaussian radial functions damped by a cosine
// cutoff. Weights come from a ridge fit to energies and forces jointly.
type PairRidge struct {
	cfg     PairRidgeConfig
	centres []float64

	species []string
	index   map[string]int
	pairs   map[[2]int]int
	weights []float64
}

const minBasisRadius = 0.5

func NewPairRidge(cfg PairRidgeConfig) (*PairRidge, error) {
	if cfg.Cutoff <= minBasisRadius {
		return nil, fmt.Errorf("pair ridge cutoff must be > %.1f", minBasisRadius)
	}
	if cfg.NBasis <= 0 {
		return nil, errors.New("pair ridge requires at least one basis function")
	}
	if cfg.Width <= 0 {
		return nil, errors.New("pair ridge basis width must be > 0")
	}
	if cfg.Lambda < 0 || cfg.ForceWeight < 0 || cfg.Jitter < 0 {
		return nil, errors.New("pair ridge lambda, force weight and jitter must be >= 0")
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x9e3779b97f4a7c15))
	spacing := (cfg.Cutoff - minBasisRadius) / float64(cfg.NBasis)
	centres := make([]float64, cfg.NBasis)
	for k := range centres {
		shift := 0.0
		if cfg.Jitter > 0 {
			shift = (2*rng.Float64() - 1) * cfg.Jitter * spacing
		}
		centres[k] = minBasisRadius + (float64(k)+0.5)*spacing + shift
	}
	return &PairRidge{cfg: cfg, centres: centres}, nil
}

func (p *PairRidge) nFeatures() int {
	return len(p.species) + len(p.pairs)*len(p.centres)
}

func (p *PairRidge) layout(frames []model.Frame) {
	seen := map[string]struct{}{}
	for _, f := range frames {
		for _, sp := range f.Structure().Species {
			seen[sp] = struct{}{}
		}
	}
	p.species = p.species[:0]
	for sp := range seen {
		p.species = append(p.species, sp)
	}
	sort.Strings(p.species)
	p.index = make(map[string]int, len(p.species))
	for i, sp := range p.species {
		p.index[sp] = i
	}
	p.pairs = make(map[[2]int]int)
	for a := range p.species {
		for b := a; b < len(p.species); b++ {
			p.pairs[[2]int{a, b}] = len(p.pairs)
		}
	}
}

func (p *PairRidge) pairOffset(si, sj string) (int, bool) {
	a, ok := p.index[si]
	if !ok {
		return 0, false
	}
	b, ok := p.index[sj]
	if !ok {
		return 0, false
	}
	if a > b {
		a, b = b, a
	}
	return len(p.species) + p.pairs[[2]int{a, b}]*len(p.centres), true
}

// features returns the energy row and the force rows (3 per atom, the
// negative gradient of the energy row). Unknown species contribute nothing.
func (p *PairRidge) features(s model.Structure) ([]float64, [][]float64) {
	nf := p.nFeatures()
	energy := make([]float64, nf)
	forces := make([][]float64, 3*s.Len())
	for i := range forces {
		forces[i] = make([]float64, nf)
	}
	for _, sp := range s.Species {
		if i, ok := p.index[sp]; ok {
			energy[i]++
		}
	}
	rc := p.cfg.Cutoff
	eta := 1 / (2 * p.cfg.Width * p.cfg.Width)
	for _, pr := range model.NeighborPairs(s, rc) {
		off, ok := p.pairOffset(s.Species[pr.I], s.Species[pr.J])
		if !ok {
			continue
		}
		fc := 0.5 * (math.Cos(math.Pi*pr.R/rc) + 1)
		dfc := -0.5 * math.Pi / rc * math.Sin(math.Pi*pr.R/rc)
		unit := pr.D.Scale(1 / pr.R)
		for k, mu := range p.centres {
			g := math.Exp(-eta * (pr.R - mu) * (pr.R - mu))
			dg := -2 * eta * (pr.R - mu) * g
			energy[off+k] += g * fc
			dh := dg*fc + g*dfc
			for c := 0; c < 3; c++ {
				// dE/dx_J = h' * unit; force is the negative.
				forces[3*pr.J+c][off+k] -= dh * unit[c]
				forces[3*pr.I+c][off+k] += dh * unit[c]
			}
		}
	}
	return energy, forces
}

func (p *PairRidge) Fit(ctx context.Context, frames []model.Frame) error {
	if len(frames) == 0 {
		return errors.New("no training frames")
	}
	p.layout(frames)
	nf := p.nFeatures()

	rows := 0
	for _, f := range frames {
		rows += 1 + 3*f.Len()
	}
	a := mat.NewDense(rows, nf, nil)
	y := mat.NewVecDense(rows, nil)
	fw := math.Sqrt(p.cfg.ForceWeight)
	r := 0
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		energyRow, forceRows := p.features(f.Structure())
		a.SetRow(r, energyRow)
		y.SetVec(r, f.Energy())
		r++
		forces := f.Forces()
		for i, row := range forceRows {
			for j := range row {
				row[j] *= fw
			}
			a.SetRow(r, row)
			y.SetVec(r, fw*forces[i/3][i%3])
			r++
		}
	}

	var ata mat.SymDense
	ata.SymOuterK(1, a.T())
	for i := 0; i < nf; i++ {
		ata.SetSym(i, i, ata.At(i, i)+p.cfg.Lambda)
	}
	var aty mat.VecDense
	aty.MulVec(a.T(), y)

	var chol mat.Cholesky
	if ok := chol.Factorize(&ata); !ok {
		return errors.New("singular ridge system; increase lambda")
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &aty); err != nil {
		return fmt.Errorf("solve ridge system: %w", err)
	}
	p.weights = make([]float64, nf)
	for i := range p.weights {
		p.weights[i] = w.AtVec(i)
	}
	return nil
}

func (p *PairRidge) Predict(s model.Structure) (model.Result, error) {
	if p.weights == nil {
		return model.Result{}, ErrNotTrained
	}
	energyRow, forceRows := p.features(s)
	res := model.Result{Forces: make([]model.Vec3, s.Len())}
	for j, w := range p.weights {
		res.Energy += w * energyRow[j]
	}
	for i, row := range forceRows {
		v := 0.0
		for j, w := range p.weights {
			v += w * row[j]
		}
		res.Forces[i/3][i%3] = v
	}
	return res, nil
}
