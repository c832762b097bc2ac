package odometry

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/odometry/pointcloud"
)

// TwoViewConfig contains the parameters of the two-view essential estimator.
type TwoViewConfig struct {
	RansacThresholdPx float64 `json:"ransac_threshold_px" yaml:"ransac_threshold_px" mapstructure:"ransac_threshold_px"`
	Confidence        float64 `json:"confidence" yaml:"confidence" mapstructure:"confidence"`
	MaxIterations     int     `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	// MaxHomographyRatio rejects the pair when a homography explains at least this fraction as many
	// correspondences as the essential matrix. Zero disables the check.
	MaxHomographyRatio float64 `json:"max_homography_ratio" yaml:"max_homography_ratio" mapstructure:"max_homography_ratio"`
	// MinParallaxDeg is the smallest accepted median angle between the two rays of a triangulated inlier.
	MinParallaxDeg float64 `json:"min_parallax_deg" yaml:"min_parallax_deg" mapstructure:"min_parallax_deg"`
}

// PnPConfig contains the parameters of the absolute pose estimator.
type PnPConfig struct {
	RansacThresholdPx float64 `json:"ransac_threshold_px" yaml:"ransac_threshold_px" mapstructure:"ransac_threshold_px"`
	Confidence        float64 `json:"confidence" yaml:"confidence" mapstructure:"confidence"`
	MaxIterations     int     `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	// MaxPointDistance drops map points with any coordinate larger in magnitude before matching.
	MaxPointDistance float64 `json:"max_point_distance" yaml:"max_point_distance" mapstructure:"max_point_distance"`
	// MaxMeanReprojectionErrorPx and MinInlierRatio must both be violated for a pose to be flagged.
	MaxMeanReprojectionErrorPx float64 `json:"max_mean_reprojection_error_px" yaml:"max_mean_reprojection_error_px" mapstructure:"max_mean_reprojection_error_px"`
	MinInlierRatio             float64 `json:"min_inlier_ratio" yaml:"min_inlier_ratio" mapstructure:"min_inlier_ratio"`
}

// DepthConfig contains the parameters of the approximate depth estimator.
type DepthConfig struct {
	Stride int `json:"stride" yaml:"stride" mapstructure:"stride"`
	// MaxBaselines rejects a bootstrap whose mean scene depth is more than this many baselines, which
	// means the translation is too small to triangulate from. Zero disables the check.
	MaxBaselines float64 `json:"max_baselines" yaml:"max_baselines" mapstructure:"max_baselines"`
}

// Config contains the parameters needed to estimate motion over a sequence of frames.
type Config struct {
	TwoView       TwoViewConfig                             `json:"two_view" yaml:"two_view" mapstructure:"two_view"`
	PnP           PnPConfig                                 `json:"pnp" yaml:"pnp" mapstructure:"pnp"`
	OutlierFilter pointcloud.StatisticalOutlierFilterConfig `json:"outlier_filter" yaml:"outlier_filter" mapstructure:"outlier_filter"`
	Depth         DepthConfig                               `json:"depth" yaml:"depth" mapstructure:"depth"`
	Seed          int64                                     `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// DefaultConfig returns the parameters used when a field is not configured.
func DefaultConfig() Config {
	return Config{
		TwoView: TwoViewConfig{
			RansacThresholdPx:  1.0,
			Confidence:         0.999,
			MaxIterations:      1000,
			MaxHomographyRatio: 0.8,
			MinParallaxDeg:     1.0,
		},
		PnP: PnPConfig{
			RansacThresholdPx:          8.0,
			Confidence:                 0.99,
			MaxIterations:              100,
			MaxPointDistance:           300,
			MaxMeanReprojectionErrorPx: 10,
			MinInlierRatio:             0.5,
		},
		OutlierFilter: pointcloud.StatisticalOutlierFilterConfig{MeanK: 50, StdDevMultiplier: 1.0},
		Depth:         DepthConfig{Stride: 1, MaxBaselines: 100},
		Seed:          1,
	}
}

// LoadConfig loads a configuration from a json, json5 or yaml file, chosen by extension. Json files
// are read as json5, so they may carry comments. Fields missing from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	configFile, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(configFile.Close)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".json5":
		var raw []byte
		if raw, err = io.ReadAll(configFile); err == nil {
			err = json5.Unmarshal(raw, &config)
		}
	case ".yaml", ".yml":
		err = yaml.NewDecoder(configFile).Decode(&config)
	default:
		return nil, errors.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode config %s", path)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ConfigFromAttributes decodes a loosely typed attribute map on top of the defaults.
func ConfigFromAttributes(attrs map[string]interface{}) (*Config, error) {
	config := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &config,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "cannot decode attributes")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate returns every invalid field at once.
func (c *Config) Validate() error {
	var errs error
	validateRansac := func(name string, threshold, confidence float64, iterations int) {
		if threshold <= 0 {
			errs = multierr.Append(errs, errors.Errorf("%s.ransac_threshold_px must be positive, got %v", name, threshold))
		}
		if confidence <= 0 || confidence >= 1 {
			errs = multierr.Append(errs, errors.Errorf("%s.confidence must be in (0, 1), got %v", name, confidence))
		}
		if iterations <= 0 {
			errs = multierr.Append(errs, errors.Errorf("%s.max_iterations must be positive, got %d", name, iterations))
		}
	}
	validateRansac("two_view", c.TwoView.RansacThresholdPx, c.TwoView.Confidence, c.TwoView.MaxIterations)
	validateRansac("pnp", c.PnP.RansacThresholdPx, c.PnP.Confidence, c.PnP.MaxIterations)
	if c.TwoView.MaxHomographyRatio < 0 {
		errs = multierr.Append(errs, errors.Errorf(
			"two_view.max_homography_ratio must not be negative, got %v", c.TwoView.MaxHomographyRatio))
	}
	if c.TwoView.MinParallaxDeg < 0 || c.TwoView.MinParallaxDeg >= 90 {
		errs = multierr.Append(errs, errors.Errorf("two_view.min_parallax_deg must be in [0, 90), got %v", c.TwoView.MinParallaxDeg))
	}
	if c.PnP.MaxPointDistance <= 0 {
		errs = multierr.Append(errs, errors.Errorf("pnp.max_point_distance must be positive, got %v", c.PnP.MaxPointDistance))
	}
	if c.PnP.MaxMeanReprojectionErrorPx < 0 {
		errs = multierr.Append(errs, errors.Errorf(
			"pnp.max_mean_reprojection_error_px must not be negative, got %v", c.PnP.MaxMeanReprojectionErrorPx))
	}
	if c.PnP.MinInlierRatio < 0 || c.PnP.MinInlierRatio > 1 {
		errs = multierr.Append(errs, errors.Errorf("pnp.min_inlier_ratio must be in [0, 1], got %v", c.PnP.MinInlierRatio))
	}
	if c.OutlierFilter.MeanK <= 0 {
		errs = multierr.Append(errs, errors.Errorf("outlier_filter.mean_k must be positive, got %d", c.OutlierFilter.MeanK))
	}
	if c.OutlierFilter.StdDevMultiplier < 0 {
		errs = multierr.Append(errs, errors.Errorf(
			"outlier_filter.std_dev_multiplier must not be negative, got %v", c.OutlierFilter.StdDevMultiplier))
	}
	if c.Depth.Stride < 1 {
		errs = multierr.Append(errs, errors.Errorf("depth.stride must be at least 1, got %d", c.Depth.Stride))
	}
	if c.Depth.MaxBaselines < 0 {
		errs = multierr.Append(errs, errors.Errorf("depth.max_baselines must not be negative, got %v", c.Depth.MaxBaselines))
	}
	return errs
}
