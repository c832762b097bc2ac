// Package main is the estimate-motion command. It reads a scene of frames with tracked keypoints,
// estimates every camera pose, builds the sparse map and writes it as a PCD file together with
// match visualizations.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"go.viam.com/odometry/logging"
	"go.viam.com/odometry/pointcloud"
	"go.viam.com/odometry/rimage"
	"go.viam.com/odometry/rimage/transform"
	"go.viam.com/odometry/utils"
	"go.viam.com/odometry/vision/keypoints"
	"go.viam.com/odometry/vision/odometry"
)

const (
	flagScene  = "scene"
	flagConfig = "config"
	flagOut    = "out"
	flagDebug  = "debug"
	flagASCII  = "ascii"

	loggerName = "estimate-motion"
)

type sceneFrame struct {
	Image     string       `json:"image" yaml:"image"`
	KeyPoints [][2]float64 `json:"keypoints" yaml:"keypoints"`
	IDs       []int        `json:"ids" yaml:"ids"`
}

type sceneMatches struct {
	From  int      `json:"from" yaml:"from"`
	To    int      `json:"to" yaml:"to"`
	Pairs [][2]int `json:"pairs" yaml:"pairs"`
}

// cameraMatrix is a row major 3x3 K matrix with the image size it was calibrated for.
type cameraMatrix struct {
	K      [9]float64 `json:"k" yaml:"k"`
	Width  int        `json:"width_px" yaml:"width_px"`
	Height int        `json:"height_px" yaml:"height_px"`
}

// scene is the input file, json, json5 or yaml. The camera is given by exactly one of Intrinsics,
// IntrinsicsFile or CameraMatrix. DistortedKeyPoints means the keypoints were detected on the raw
// images and are undistorted with the scene's distortion model. The first entry of Matches
// bootstraps the map; every following entry tracks its To frame against the map, triangulating new
// points with its From frame.
type scene struct {
	Intrinsics         *transform.PinholeCameraIntrinsics `json:"intrinsics,omitempty" yaml:"intrinsics,omitempty"`
	IntrinsicsFile     string                             `json:"intrinsics_file,omitempty" yaml:"intrinsics_file,omitempty"`
	CameraMatrix       *cameraMatrix                      `json:"camera_matrix,omitempty" yaml:"camera_matrix,omitempty"`
	Distortion         *transform.DistortionConfig        `json:"distortion,omitempty" yaml:"distortion,omitempty"`
	DistortedKeyPoints bool                               `json:"distorted_keypoints,omitempty" yaml:"distorted_keypoints,omitempty"`
	Frames             []sceneFrame                       `json:"frames" yaml:"frames"`
	Matches            []sceneMatches                     `json:"matches" yaml:"matches"`
}

func main() {
	logger := logging.NewLogger(loggerName)
	app := &cli.App{
		Name:  "estimate-motion",
		Usage: "estimate camera motion and a sparse map from tracked keypoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagScene,
				Aliases:  []string{"s"},
				Required: true,
				Usage:    "read frames and matches from `FILE` (json, json5 or yaml)",
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load estimator parameters from `FILE` (json, json5 or yaml)",
			},
			&cli.StringFlag{
				Name:    flagOut,
				Aliases: []string{"o"},
				Value:   ".",
				Usage:   "write the map and debug images to `DIR`",
			},
			&cli.BoolFlag{
				Name:  flagASCII,
				Usage: "write the map as an ascii PCD file",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger(loggerName)
			}
			return nil
		},
		Action: func(c *cli.Context) error {
			cfg := odometry.DefaultConfig()
			if path := c.String(flagConfig); path != "" {
				loaded, err := odometry.LoadConfig(path)
				if err != nil {
					return err
				}
				cfg = *loaded
			}
			pcdType := pointcloud.PCDBinary
			if c.Bool(flagASCII) {
				pcdType = pointcloud.PCDAscii
			}
			res, err := run(c.String(flagScene), cfg, c.String(flagOut), pcdType, logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, poseTable(res.Poses))
			if res.Depths != nil {
				fmt.Fprintln(c.App.Writer, "map depth in the last camera:")
				return histogram.Fprint(c.App.Writer, *res.Depths, histogram.Linear(histogramWidth))
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

const (
	histogramBins  = 10
	histogramWidth = 40
)

// summary is what a run produced. CameraMapPath and Depths are empty when the last frame has no pose,
// and Depths is also nil when the map is empty.
type summary struct {
	Poses         []*transform.Pose
	MapPoints     int
	Removed       int
	MapPath       string
	CameraMapPath string
	Depths        *histogram.Histogram
}

func run(scenePath string, cfg odometry.Config, outDir string, pcdType pointcloud.PCDType, logger logging.Logger) (*summary, error) {
	sc, err := loadScene(scenePath)
	if err != nil {
		return nil, err
	}
	frames, err := buildFrames(sc, filepath.Dir(scenePath))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, err
	}

	engine, err := odometry.NewEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	cloud := pointcloud.New()
	for step, m := range sc.Matches {
		if m.From < 0 || m.From >= len(frames) || m.To < 0 || m.To >= len(frames) {
			return nil, errors.Errorf("matches %d: frame index out of range", step)
		}
		prev, cur := frames[m.From], frames[m.To]
		matches := keypoints.MatchesFromPairs(m.Pairs)

		var inlier func(keypoints.Match) bool
		if step == 0 {
			boot, err := engine.Bootstrap(prev, cur, matches, cloud)
			if err != nil {
				return nil, errors.Wrap(err, "cannot bootstrap map")
			}
			inlier = func(match keypoints.Match) bool { return lo.Contains(boot.TwoView.Inliers, match) }
		} else {
			res, err := engine.Track(cur, prev, matches, cloud)
			if err != nil && !errors.Is(err, odometry.ErrLowConfidence) {
				return nil, errors.Wrapf(err, "cannot track frame %d", m.To)
			}
			// a low confidence frame keeps its pose; the map is simply not grown from it
			if err != nil {
				logger.Warnw("keeping low confidence pose", "frame", m.To, "error", err.Error())
			}
			inliers := lo.SliceToMap(res.PnP.Inliers, func(id int) (int, bool) { return id, true })
			inlier = func(match keypoints.Match) bool { return inliers[prev.UniquePixelIDs[match.Idx1]] }
		}

		if prev.Image != nil && cur.Image != nil {
			out := filepath.Join(outDir, fmt.Sprintf("matches_%d_%d.png", m.From, m.To))
			if err := keypoints.PlotMatches(prev.Image, cur.Image, prev.KeyPoints, cur.KeyPoints, matches,
				lo.Map(matches, func(match keypoints.Match, _ int) bool { return inlier(match) }), out); err != nil {
				return nil, err
			}
		}
	}

	for i, f := range frames {
		if f.Image == nil {
			continue
		}
		out := filepath.Join(outDir, fmt.Sprintf("keypoints_%d.png", i))
		if err := keypoints.PlotKeypoints(f.Image, f.KeyPoints, out); err != nil {
			return nil, err
		}
	}

	removed, err := engine.FilterMap(cloud)
	if err != nil {
		return nil, err
	}
	mapPath := filepath.Join(outDir, "map.pcd")
	var viewpoint *transform.Pose
	if last := frames[len(frames)-1].Pose; last != nil {
		viewpoint = last.Inverse()
	}
	if err := pointcloud.WriteToPCDFile(cloud, mapPath, pcdType, viewpoint); err != nil {
		return nil, err
	}

	res := &summary{
		Poses:     lo.Map(frames, func(f *odometry.Frame, _ int) *transform.Pose { return f.Pose }),
		MapPoints: cloud.Len(),
		Removed:   removed,
		MapPath:   mapPath,
	}
	// the map again in the coordinates of the last camera
	if last := frames[len(frames)-1].Pose; last != nil {
		local := pointcloud.Transform(cloud, last)
		res.CameraMapPath = filepath.Join(outDir, "map_camera.pcd")
		if err := pointcloud.WriteToPCDFile(local, res.CameraMapPath, pcdType, nil); err != nil {
			return nil, err
		}
		if local.Len() > 0 {
			hist := histogram.Hist(histogramBins, lo.Map(local.Positions(), func(p r3.Vector, _ int) float64 { return p.Z }))
			res.Depths = &hist
		}
	}
	for i, pose := range res.Poses {
		if pose == nil {
			logger.Infow("frame has no pose", "frame", i)
			continue
		}
		c := pose.Center()
		logger.Infow("frame pose", "frame", i, "center", []float64{c.X, c.Y, c.Z})
	}
	logger.Infow("wrote map", "path", mapPath, "points", res.MapPoints, "removed", removed)
	return res, nil
}

// poseTable renders one row per frame with its camera center and rotation angle.
func poseTable(poses []*transform.Pose) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Frame", "Center", "Rotation"})
	for i, pose := range poses {
		if pose == nil {
			t.AppendRow(table.Row{i, "-", "-"})
			continue
		}
		c := pose.Center()
		t.AppendRow(table.Row{
			i,
			fmt.Sprintf("X:%.3f, Y:%.3f, Z:%.3f", c.X, c.Y, c.Z),
			fmt.Sprintf("%.2f°", utils.RadToDeg(pose.AxisAngle().Norm())),
		})
	}
	return t.Render()
}

func loadScene(path string) (*scene, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	var sc scene
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".json5":
		var raw []byte
		if raw, err = io.ReadAll(f); err == nil {
			err = json5.Unmarshal(raw, &sc)
		}
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(&sc)
	default:
		return nil, errors.Errorf("unsupported scene file extension %q", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode scene %s", path)
	}
	if err := resolveIntrinsics(&sc, filepath.Dir(path)); err != nil {
		return nil, err
	}
	if len(sc.Frames) < 2 || len(sc.Matches) == 0 {
		return nil, errors.New("scene needs at least two frames and one set of matches")
	}
	return &sc, nil
}

// resolveIntrinsics fills sc.Intrinsics from whichever camera description the scene carries. An
// intrinsics file is read relative to dir.
func resolveIntrinsics(sc *scene, dir string) error {
	given := lo.Filter([]bool{sc.Intrinsics != nil, sc.IntrinsicsFile != "", sc.CameraMatrix != nil},
		func(set bool, _ int) bool { return set })
	switch {
	case len(given) == 0:
		return transform.NewNoIntrinsicsError("scene has no intrinsics")
	case len(given) > 1:
		return errors.New("scene must set only one of intrinsics, intrinsics_file and camera_matrix")
	case sc.IntrinsicsFile != "":
		path := sc.IntrinsicsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(path)
		if err != nil {
			return err
		}
		sc.Intrinsics = intrinsics
	case sc.CameraMatrix != nil:
		k := mat.NewDense(3, 3, sc.CameraMatrix.K[:])
		intrinsics, err := transform.NewPinholeCameraIntrinsicsFromMatrix(k, sc.CameraMatrix.Width, sc.CameraMatrix.Height)
		if err != nil {
			return err
		}
		sc.Intrinsics = intrinsics
	}
	return sc.Intrinsics.CheckValid()
}

// buildFrames loads every frame's image, relative to dir, and undistorts it when the scene has a
// distortion model.
func buildFrames(sc *scene, dir string) ([]*odometry.Frame, error) {
	distortion, err := sc.Distortion.Distorter()
	if err != nil {
		return nil, err
	}
	frames := make([]*odometry.Frame, len(sc.Frames))
	for i, sf := range sc.Frames {
		f := &odometry.Frame{
			KeyPoints:      lo.Map(sf.KeyPoints, func(p [2]float64, _ int) r2.Point { return r2.Point{X: p[0], Y: p[1]} }),
			UniquePixelIDs: sf.IDs,
			Intrinsics:     sc.Intrinsics,
		}
		if err := f.Validate(); err != nil {
			return nil, errors.Wrapf(err, "frame %d", i)
		}
		if sc.DistortedKeyPoints {
			if err := odometry.UndistortKeyPoints(f, distortion); err != nil {
				return nil, errors.Wrapf(err, "frame %d", i)
			}
		}
		if sf.Image != "" {
			path := sf.Image
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			img, err := rimage.NewImageFromFile(path)
			if err != nil {
				return nil, errors.Wrapf(err, "frame %d", i)
			}
			f.Image = img
			if distortion != nil {
				if err := odometry.UndistortFrame(f, distortion); err != nil {
					return nil, errors.Wrapf(err, "frame %d", i)
				}
			}
		}
		frames[i] = f
	}
	return frames, nil
}
