package calc

import (
	"context"
	"fmt"
	"math"
	"sort"

	"almlp/internal/model"
)

// MorseParams are single-element Morse parameters: well depth De (eV),
// width A (1/Å) and equilibrium distance Re (Å).
type MorseParams struct {
	De float64 `json:"de" yaml:"de"`
	A  float64 `json:"a" yaml:"a"`
	Re float64 `json:"re" yaml:"re"`
}

// Girifalco & Weizer (1959) cubic-metal fits.
var defaultMorseParams = map[string]MorseParams{
	"Ag": {De: 0.3323, A: 1.3690, Re: 3.115},
	"Al": {De: 0.2703, A: 1.1646, Re: 3.253},
	"Cr": {De: 0.4414, A: 1.5721, Re: 2.754},
	"Cu": {De: 0.3429, A: 1.3588, Re: 2.866},
	"Fe": {De: 0.4174, A: 1.3885, Re: 2.845},
	"Mo": {De: 0.8032, A: 1.5079, Re: 2.976},
	"Ni": {De: 0.4205, A: 1.4199, Re: 2.780},
	"Pb": {De: 0.2348, A: 1.1836, Re: 3.733},
	"W":  {De: 0.9906, A: 1.4116, Re: 3.032},
}

const (
	CombineMean = "mean"
	CombineYang = "yang"
)

// Morse is a multi-element pairwise Morse potential used as the cheap base
// calculator. Mixed pairs combine per-element parameters with the mean or
// Yang rules.
type Morse struct {
	cutoff float64
	combo  string
	params map[string]MorseParams
}

type MorseConfig struct {
	Cutoff  float64
	Combo   string
	Params  map[string]MorseParams
	Species []string
}

// NewMorse resolves parameters for every species the calculator must handle.
// Explicit Params override the built-in table.
func NewMorse(cfg MorseConfig) (*Morse, error) {
	if cfg.Cutoff <= 0 {
		return nil, fmt.Errorf("morse cutoff must be > 0")
	}
	combo := cfg.Combo
	if combo == "" {
		combo = CombineMean
	}
	if combo != CombineMean && combo != CombineYang {
		return nil, fmt.Errorf("unsupported morse combination rule: %s", combo)
	}
	params := make(map[string]MorseParams, len(defaultMorseParams)+len(cfg.Params))
	for k, v := range defaultMorseParams {
		params[k] = v
	}
	for k, v := range cfg.Params {
		params[k] = v
	}
	for _, sp := range cfg.Species {
		p, ok := params[sp]
		if !ok {
			return nil, fmt.Errorf("morse parameters not available for %s, requires manual definition", sp)
		}
		if p.A <= 0 || p.Re <= 0 {
			return nil, fmt.Errorf("invalid morse parameters for %s", sp)
		}
	}
	return &Morse{cutoff: cfg.Cutoff, combo: combo, params: params}, nil
}

func (m *Morse) Name() string {
	return "morse"
}

// KnownSpecies lists the elements with parameters.
func (m *Morse) KnownSpecies() []string {
	out := make([]string, 0, len(m.params))
	for k := range m.params {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type morseTerm struct {
	re, d, sig float64
}

func (m *Morse) term(sp string) (morseTerm, error) {
	p, ok := m.params[sp]
	if !ok {
		return morseTerm{}, fmt.Errorf("morse parameters not available for %s", sp)
	}
	return morseTerm{re: p.Re, d: math.Abs(p.De), sig: p.Re - math.Ln2/p.A}, nil
}

func (m *Morse) mix(a, b morseTerm) morseTerm {
	if m.combo == CombineYang {
		return morseTerm{
			d:   (2 * a.d * b.d) / (a.d + b.d),
			sig: (a.sig * b.sig) * (a.sig + b.sig) / (a.sig*a.sig + b.sig*b.sig),
			re:  (a.re * b.re) * (a.re + b.re) / (a.re*a.re + b.re*b.re),
		}
	}
	return morseTerm{
		d:   math.Sqrt(a.d * b.d),
		sig: (a.sig + b.sig) / 2,
		re:  (a.re + b.re) / 2,
	}
}

func (m *Morse) Evaluate(ctx context.Context, s model.Structure) (model.Result, error) {
	if err := s.Validate(); err != nil {
		return model.Result{}, err
	}
	terms := make([]morseTerm, s.Len())
	for i, sp := range s.Species {
		t, err := m.term(sp)
		if err != nil {
			return model.Result{}, err
		}
		terms[i] = t
	}

	res := model.Result{Forces: make([]model.Vec3, s.Len())}
	for _, p := range model.NeighborPairs(s, m.cutoff) {
		if err := ctx.Err(); err != nil {
			return model.Result{}, err
		}
		t := m.mix(terms[p.I], terms[p.J])
		rStar := p.R / t.sig
		reStar := t.re / t.sig
		c := math.Ln2 / (reStar - 1)
		e2 := math.Exp(-2 * c * (rStar - reStar))
		e1 := math.Exp(-c * (rStar - reStar))
		res.Energy += t.d * (e2 - 2*e1)

		// f is the force on J; I feels -f.
		scale := (2 * t.d * c / t.sig) * (1 / p.R) * (e2 - e1)
		f := p.D.Scale(scale)
		res.Forces[p.I] = res.Forces[p.I].Sub(f)
		res.Forces[p.J] = res.Forces[p.J].Add(f)
	}
	return res, nil
}
