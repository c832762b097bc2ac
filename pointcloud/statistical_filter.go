package pointcloud

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// StatisticalOutlierFilterConfig controls StatisticalOutlierFilter.
type StatisticalOutlierFilterConfig struct {
	// MeanK is the number of neighbours averaged per point.
	MeanK int `json:"mean_k" yaml:"mean_k" mapstructure:"mean_k"`
	// StdDevMultiplier scales the global standard deviation to give the width of the kept band.
	StdDevMultiplier float64 `json:"std_dev_multiplier" yaml:"std_dev_multiplier" mapstructure:"std_dev_multiplier"`
}

// relativeBandTolerance widens the kept band by a fraction of the mean so that points sitting
// exactly on its edge are not lost to rounding.
const relativeBandTolerance = 1e-9

// MeanNeighborDistances returns, for every point in insertion order, the mean Euclidean distance to
// its k nearest neighbours (excluding itself). k is clamped to Len()-1.
func MeanNeighborDistances(cloud *SparseCloud, k int) ([]float64, error) {
	if k <= 0 {
		return nil, errors.Errorf("number of neighbors must be positive, got %d", k)
	}
	n := cloud.Len()
	if n < 2 {
		return make([]float64, n), nil
	}
	if k > n-1 {
		k = n - 1
	}

	queries := make([]kdtree.Point, n)
	treePoints := make(kdtree.Points, n)
	for i, p := range cloud.points {
		queries[i] = kdtree.Point{p.Position.X, p.Position.Y, p.Position.Z}
		// kdtree.New reorders its input
		treePoints[i] = queries[i]
	}
	tree := kdtree.New(treePoints, false)

	out := make([]float64, n)
	dists := make([]float64, 0, k+1)
	for i, q := range queries {
		keeper := kdtree.NewNKeeper(k + 1)
		tree.NearestSet(keeper, q)

		dists = dists[:0]
		for _, cd := range keeper.Heap {
			if cd.Comparable == nil {
				continue
			}
			// kdtree.Point distances are squared
			dists = append(dists, math.Sqrt(cd.Dist))
		}
		sort.Float64s(dists)
		if len(dists) > 0 {
			// the closest hit is the query point itself
			dists = dists[1:]
		}
		sum := 0.0
		for _, d := range dists {
			sum += d
		}
		if len(dists) > 0 {
			out[i] = sum / float64(len(dists))
		}
	}
	return out, nil
}

// StatisticalOutlierFilter removes points whose mean neighbour distance is further than
// StdDevMultiplier standard deviations from the mean over the whole cloud. The cloud is pruned in
// place, keeping the order of the survivors. It returns how many points were removed.
func StatisticalOutlierFilter(cloud *SparseCloud, cfg StatisticalOutlierFilterConfig) (int, error) {
	if cfg.StdDevMultiplier < 0 {
		return 0, errors.Errorf("standard deviation multiplier must not be negative, got %v", cfg.StdDevMultiplier)
	}
	if cloud.Len() < 2 {
		return 0, nil
	}
	distances, err := MeanNeighborDistances(cloud, cfg.MeanK)
	if err != nil {
		return 0, err
	}
	mean, err := stats.Mean(distances)
	if err != nil {
		return 0, err
	}
	stdDev, err := stats.StandardDeviationSample(distances)
	if err != nil {
		return 0, err
	}
	band := cfg.StdDevMultiplier*stdDev + relativeBandTolerance*math.Abs(mean)

	keep := make([]int, 0, len(distances))
	for i, d := range distances {
		if math.Abs(d-mean) <= band {
			keep = append(keep, i)
		}
	}
	removed := cloud.Len() - len(keep)
	if removed == 0 {
		return 0, nil
	}
	if err := cloud.Retain(keep); err != nil {
		return 0, err
	}
	return removed, nil
}
