package learner

import (
	"fmt"

	"almlp/internal/model"
)

const (
	ToleranceRelative         = "relative"
	ToleranceAbsolute         = "absolute"
	ToleranceRelativeVariance = "relative_variance"
)

// ToleranceFunc turns uncertain_tol and the predicted forces into the
// uncertainty threshold a prediction must not exceed.
type ToleranceFunc func(tol float64, forces []model.Vec3) float64

// RelativeTolerance scales tol by the largest predicted force component, so
// the gate tightens near equilibrium.
func RelativeTolerance(tol float64, forces []model.Vec3) float64 {
	return tol * model.MaxAbsForce(forces)
}

func AbsoluteTolerance(tol float64, _ []model.Vec3) float64 {
	return tol
}

func RelativeVarianceTolerance(tol float64, forces []model.Vec3) float64 {
	m := model.MaxAbsForce(forces)
	return tol * m * m
}

func ToleranceByName(name string) (ToleranceFunc, error) {
	switch name {
	case "", ToleranceRelative:
		return RelativeTolerance, nil
	case ToleranceAbsolute:
		return AbsoluteTolerance, nil
	case ToleranceRelativeVariance:
		return RelativeVarianceTolerance, nil
	default:
		return nil, fmt.Errorf("%w: unknown tolerance mode %q", ErrInvalidConfig, name)
	}
}

// UnsafePrediction reports whether uncertainty exceeds threshold.
func UnsafePrediction(uncertainty, threshold float64) bool {
	return uncertainty > threshold
}

// ParentVerify reports whether the predicted forces look converged enough to
// demand a ground-truth check. A nil threshold disables the check.
func ParentVerify(forces []model.Vec3, threshold *float64) bool {
	if threshold == nil {
		return false
	}
	return model.Fmax(forces) <= *threshold
}
