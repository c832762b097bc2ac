// Package pointcloud defines the sparse map of triangulated points built during motion estimation,
// along with filtering, rigid transforms and PCD file support for it.
package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ErrDuplicateID is returned when a point is added under an id the cloud already holds.
var ErrDuplicateID = errors.New("a point with this id is already in the cloud")

// MapPoint is one triangulated scene point. ID is the unique pixel id of the feature that produced it.
type MapPoint struct {
	ID       int
	Position r3.Vector
	Color    color.NRGBA
	HasColor bool
	// Inlier starts true and is cleared once a pose estimate rejects the point. It never goes back.
	Inlier bool
}

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData creates a new MetaData with empty bounds.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the metadata with a new point.
func (meta *MetaData) Merge(p MapPoint) {
	if p.HasColor {
		meta.HasColor = true
	}
	v := p.Position
	meta.MaxX = math.Max(meta.MaxX, v.X)
	meta.MaxY = math.Max(meta.MaxY, v.Y)
	meta.MaxZ = math.Max(meta.MaxZ, v.Z)
	meta.MinX = math.Min(meta.MinX, v.X)
	meta.MinY = math.Min(meta.MinY, v.Y)
	meta.MinZ = math.Min(meta.MinZ, v.Z)
}

// SparseCloud holds map points keyed by unique id and ordered by insertion. It is not safe for
// concurrent writers.
type SparseCloud struct {
	points []MapPoint
	index  map[int]int
	meta   MetaData
}

// New returns an empty cloud.
func New() *SparseCloud {
	return NewWithPrealloc(0)
}

// NewWithPrealloc returns an empty cloud with room for size points.
func NewWithPrealloc(size int) *SparseCloud {
	return &SparseCloud{
		points: make([]MapPoint, 0, size),
		index:  make(map[int]int, size),
		meta:   NewMetaData(),
	}
}

// Len returns the number of points.
func (cloud *SparseCloud) Len() int {
	return len(cloud.points)
}

// MetaData returns the bounds and color flag of the cloud.
func (cloud *SparseCloud) MetaData() MetaData {
	return cloud.meta
}

// Has reports whether a point with the given id is present.
func (cloud *SparseCloud) Has(id int) bool {
	_, ok := cloud.indexOf(id)
	return ok
}

// Get returns the point with the given id.
func (cloud *SparseCloud) Get(id int) (MapPoint, bool) {
	i, ok := cloud.indexOf(id)
	if !ok {
		return MapPoint{}, false
	}
	return cloud.points[i], true
}

// At returns the i-th point in insertion order.
func (cloud *SparseCloud) At(i int) MapPoint {
	return cloud.points[i]
}

// indexOf returns the insertion order position of the point with the given id.
func (cloud *SparseCloud) indexOf(id int) (int, bool) {
	i, ok := cloud.index[id]
	return i, ok
}

// Add appends a point. Adding an id that is already present fails with ErrDuplicateID and leaves the
// cloud unchanged.
func (cloud *SparseCloud) Add(p MapPoint) error {
	if cloud.Has(p.ID) {
		return errors.Wrapf(ErrDuplicateID, "id %d", p.ID)
	}
	cloud.index[p.ID] = len(cloud.points)
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p)
	return nil
}

// MarkOutlier clears the inlier flag of the point with the given id. It returns false when the id is
// unknown. Nothing sets the flag back.
// TODO: decide whether a point that is a pose inlier again in later frames should regain its flag.
func (cloud *SparseCloud) MarkOutlier(id int) bool {
	i, ok := cloud.indexOf(id)
	if !ok {
		return false
	}
	cloud.points[i].Inlier = false
	return true
}

// Iterate calls fn on every point in insertion order until fn returns false.
func (cloud *SparseCloud) Iterate(fn func(i int, p MapPoint) bool) {
	for i, p := range cloud.points {
		if !fn(i, p) {
			return
		}
	}
}

// Points returns a copy of the points in insertion order.
func (cloud *SparseCloud) Points() []MapPoint {
	out := make([]MapPoint, len(cloud.points))
	copy(out, cloud.points)
	return out
}

// Positions returns the point positions in insertion order.
func (cloud *SparseCloud) Positions() []r3.Vector {
	return lo.Map(cloud.points, func(p MapPoint, _ int) r3.Vector { return p.Position })
}

// IDs returns the point ids in insertion order.
func (cloud *SparseCloud) IDs() []int {
	return lo.Map(cloud.points, func(p MapPoint, _ int) int { return p.ID })
}

// InlierCount returns how many points still carry the inlier flag.
func (cloud *SparseCloud) InlierCount() int {
	return lo.CountBy(cloud.points, func(p MapPoint) bool { return p.Inlier })
}

// Retain keeps only the points at the given insertion order positions, which must be strictly
// increasing. Every attribute of a kept point stays with it.
func (cloud *SparseCloud) Retain(keep []int) error {
	for j, i := range keep {
		if i < 0 || i >= len(cloud.points) {
			return errors.Errorf("retain index %d out of range [0, %d)", i, len(cloud.points))
		}
		if j > 0 && keep[j-1] >= i {
			return errors.Errorf("retain indices must be strictly increasing, got %d after %d", i, keep[j-1])
		}
	}
	kept := make([]MapPoint, len(keep))
	for j, i := range keep {
		kept[j] = cloud.points[i]
	}
	cloud.rebuild(kept)
	return nil
}

// Clone returns a deep copy of the cloud.
func (cloud *SparseCloud) Clone() *SparseCloud {
	out := &SparseCloud{}
	out.rebuild(cloud.Points())
	return out
}

func (cloud *SparseCloud) rebuild(points []MapPoint) {
	cloud.points = points
	cloud.index = make(map[int]int, len(points))
	cloud.meta = NewMetaData()
	for i, p := range points {
		cloud.index[p.ID] = i
		cloud.meta.Merge(p)
	}
}
