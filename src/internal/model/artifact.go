package model

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	KindLinear = "linear"
	KindForest = "forest"
)

// Artifact is the persisted regression model. Tree arrays follow the
// scikit-learn layout: node i is a leaf when ChildrenLeft[i] == -1,
// otherwise samples with float32(x[Feature[i]]) <= Threshold[i] go left.
// Inputs are narrowed to float32 the way scikit-learn trees see them.
type Artifact struct {
	Name      string   `msgpack:"name"`
	Target    string   `msgpack:"target"`
	Version   string   `msgpack:"version"`
	Kind      string   `msgpack:"kind"`
	Features  []string `msgpack:"features"`
	NFeatures int      `msgpack:"n_features"`

	Intercept float64   `msgpack:"intercept"`
	Coef      []float64 `msgpack:"coef"`

	Trees []Tree `msgpack:"trees"`
}

type Tree struct {
	Feature       []int     `msgpack:"feature"`
	Threshold     []float64 `msgpack:"threshold"`
	ChildrenLeft  []int     `msgpack:"children_left"`
	ChildrenRight []int     `msgpack:"children_right"`
	Value         []float64 `msgpack:"value"`
}

const leaf = -1

// Decode unmarshals and validates an artifact.
func Decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("msgpack unmarshal: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func Encode(a *Artifact) ([]byte, error) {
	return msgpack.Marshal(a)
}

// Save writes a to path. Used by tooling that exports trained models.
func Save(path string, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := Encode(a)
	if err != nil {
		return fmt.Errorf("msgpack marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks internal consistency. NFeatures is derived from Features
// or Coef when unset.
func (a *Artifact) Validate() error {
	if a.NFeatures == 0 {
		switch {
		case len(a.Features) > 0:
			a.NFeatures = len(a.Features)
		case a.Kind == KindLinear:
			a.NFeatures = len(a.Coef)
		}
	}
	if a.NFeatures <= 0 {
		return fmt.Errorf("artifact declares no input features")
	}
	if len(a.Features) > 0 {
		if len(a.Features) != a.NFeatures {
			return fmt.Errorf("artifact lists %d feature names for %d inputs", len(a.Features), a.NFeatures)
		}
		seen := make(map[string]struct{}, len(a.Features))
		for _, f := range a.Features {
			if _, dup := seen[f]; dup {
				return fmt.Errorf("artifact lists feature %q twice", f)
			}
			seen[f] = struct{}{}
		}
	}

	switch a.Kind {
	case KindLinear:
		if len(a.Coef) != a.NFeatures {
			return fmt.Errorf("linear artifact has %d coefficients for %d inputs", len(a.Coef), a.NFeatures)
		}
	case KindForest:
		if len(a.Trees) == 0 {
			return fmt.Errorf("forest artifact has no trees")
		}
		for i := range a.Trees {
			if err := a.Trees[i].validate(a.NFeatures); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown model kind %q", a.Kind)
	}
	return nil
}

func (t *Tree) validate(nFeatures int) error {
	n := len(t.Value)
	if n == 0 {
		return fmt.Errorf("no nodes")
	}
	if len(t.Feature) != n || len(t.Threshold) != n || len(t.ChildrenLeft) != n || len(t.ChildrenRight) != n {
		return fmt.Errorf("node arrays differ in length")
	}
	for i := 0; i < n; i++ {
		l, r := t.ChildrenLeft[i], t.ChildrenRight[i]
		if l == leaf || r == leaf {
			if l != r {
				return fmt.Errorf("node %d has one child", i)
			}
			continue
		}
		// Children always follow their parent, which rules out cycles.
		if l <= i || l >= n || r <= i || r >= n {
			return fmt.Errorf("node %d has children out of range", i)
		}
		if f := t.Feature[i]; f < 0 || f >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, f, nFeatures)
		}
	}
	return nil
}

func (t *Tree) predict(row []float64) float64 {
	i := 0
	for t.ChildrenLeft[i] != leaf {
		if float64(float32(row[t.Feature[i]])) <= t.Threshold[i] {
			i = t.ChildrenLeft[i]
		} else {
			i = t.ChildrenRight[i]
		}
	}
	return t.Value[i]
}
