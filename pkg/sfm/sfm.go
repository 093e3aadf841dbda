// Package sfm turns one multi-view inference run into a sparse
// reconstruction: a shared pinhole camera, one posed view per image and a
// merged, confidence filtered point cloud.
package sfm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"fast3rcolmap/internal/models"
	"fast3rcolmap/pkg/colmap"
	"fast3rcolmap/pkg/inference"
	"fast3rcolmap/pkg/pointcloud"
)

// SharedCameraID is the id of the single camera every view references
const SharedCameraID = 1

// ErrInvalidScale is returned when a scale factor is not strictly positive
var ErrInvalidScale = errors.New("scale factor must be positive")

// Params holds the reconstruction parameters.
type Params struct {
	// PointKeepFraction is the fraction of each view's most confident points
	// merged into the cloud, in [0,1].
	PointKeepFraction float64

	// Downsample enables voxel downsampling of the merged cloud.
	Downsample bool

	// VoxelSize is the voxel edge length in network units, used when
	// Downsample is set.
	VoxelSize float64

	// ScaleFactor is the calibration constant between network units and
	// metric scale. It is applied to the cloud and to view translations.
	ScaleFactor float64

	// ResolutionScaling is the ratio between the exported image resolution
	// and the network input resolution. It scales the camera intrinsics and
	// is folded into the global scale.
	ResolutionScaling float64
}

// DefaultParams returns the parameters used by the command line tool.
func DefaultParams() Params {
	return Params{
		PointKeepFraction: pointcloud.KeepFraction(0.1),
		Downsample:        true,
		VoxelSize:         0.01,
		ScaleFactor:       25.0,
		ResolutionScaling: 1.0,
	}
}

// Validate checks the parameter ranges
func (p Params) Validate() error {
	if p.PointKeepFraction < 0 || p.PointKeepFraction > 1 {
		return errors.Errorf("point keep fraction %g outside [0,1]", p.PointKeepFraction)
	}
	if p.Downsample && p.VoxelSize <= 0 {
		return errors.Errorf("voxel size must be positive, got %g", p.VoxelSize)
	}
	if p.ScaleFactor <= 0 || p.ResolutionScaling <= 0 {
		return ErrInvalidScale
	}
	return nil
}

// Fast3RSfM runs the pipeline in a single forward pass:
// 1. Running the inference engine over the input directory
// 2. Estimating camera poses and focal lengths
// 3. Building the shared camera
// 4. Building one posed view per image
// 5. Merging the confident points of every view
// 6. Optionally voxel downsampling the cloud
// 7. Applying the global scale
//
// Any failure aborts the run; there is no partial result.
type Fast3RSfM struct {
	params      Params
	engine      inference.Engine
	estimator   inference.PoseEstimator
	downsampler pointcloud.Downsampler
	logger      *zap.SugaredLogger

	cameras []models.Camera
	views   []models.CameraView
	cloud   models.Cloud
}

// NewFast3RSfM creates a pipeline. A nil downsampler selects the voxel grid
// and a nil logger discards all output.
func NewFast3RSfM(
	params Params,
	engine inference.Engine,
	estimator inference.PoseEstimator,
	downsampler pointcloud.Downsampler,
	logger *zap.SugaredLogger,
) *Fast3RSfM {
	if downsampler == nil {
		downsampler = pointcloud.VoxelGrid{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Fast3RSfM{
		params:      params,
		engine:      engine,
		estimator:   estimator,
		downsampler: downsampler,
		logger:      logger,
	}
}

// Process runs the complete pipeline over inputDir. On success the results
// are available through Cameras, Views and Cloud.
func (s *Fast3RSfM) Process(ctx context.Context, inputDir string) error {
	if err := s.params.Validate(); err != nil {
		return err
	}
	if s.engine == nil || s.estimator == nil {
		return errors.New("inference engine and pose estimator are required")
	}
	s.cameras, s.views, s.cloud = nil, nil, models.Cloud{}

	s.logger.Info("Step 1: Running inference...")
	start := time.Now()
	out, err := s.engine.Infer(ctx, inputDir)
	if err != nil {
		return errors.Wrap(err, "inference failed")
	}
	if out == nil {
		return errors.New("inference returned no output")
	}
	if err := out.Validate(); err != nil {
		return errors.Wrap(err, "invalid inference output")
	}
	s.logger.Infow("inference done", "views", len(out.Views), "elapsed", time.Since(start))

	s.logger.Info("Step 2: Estimating camera poses...")
	start = time.Now()
	poses, err := s.estimator.EstimatePoses(ctx, out)
	if err != nil {
		return errors.Wrap(err, "pose estimation failed")
	}
	if err := validatePoses(poses, len(out.Views)); err != nil {
		return err
	}
	s.logger.Infow("poses estimated", "elapsed", time.Since(start))

	s.logger.Info("Step 3: Building camera...")
	camera, err := buildCamera(out.ImageSize, poses.Focals[0])
	if err != nil {
		return err
	}

	s.logger.Info("Step 4: Building views...")
	views := buildViews(out, poses)

	s.logger.Info("Step 5: Aggregating points...")
	start = time.Now()
	cloud, err := pointcloud.Aggregate(out, s.params.PointKeepFraction)
	if err != nil {
		return errors.Wrap(err, "failed to aggregate points")
	}
	s.logger.Infow("points aggregated", "points", cloud.Len(), "elapsed", time.Since(start))

	if s.params.Downsample {
		s.logger.Infof("Step 6: Downsampling with voxel size %g...", s.params.VoxelSize)
		before := cloud.Len()
		cloud, err = s.downsampler.Downsample(cloud, s.params.VoxelSize)
		if err != nil {
			return errors.Wrap(err, "failed to downsample point cloud")
		}
		s.logger.Infow("point cloud downsampled", "before", before, "after", cloud.Len())
	} else {
		s.logger.Info("Step 6: Downsampling disabled, skipping")
	}

	s.logger.Info("Step 7: Applying global scale...")
	scale := s.params.ScaleFactor * s.params.ResolutionScaling
	s.cameras = []models.Camera{camera.Scaled(s.params.ResolutionScaling)}
	s.views = make([]models.CameraView, len(views))
	for i, v := range views {
		s.views[i] = v.Scaled(scale)
	}
	s.cloud = cloud.Scaled(scale)

	return nil
}

// Cameras returns the cameras of the last successful run
func (s *Fast3RSfM) Cameras() []models.Camera {
	return s.cameras
}

// Views returns the views of the last successful run
func (s *Fast3RSfM) Views() []models.CameraView {
	return s.views
}

// Cloud returns the point cloud of the last successful run
func (s *Fast3RSfM) Cloud() models.Cloud {
	return s.cloud
}

// Reconstruction bundles the results for export
func (s *Fast3RSfM) Reconstruction() colmap.Reconstruction {
	return colmap.Reconstruction{
		Cameras: s.cameras,
		Views:   s.views,
		Cloud:   s.cloud,
	}
}

// validatePoses checks that there is one 4x4 transform per view and at least
// one focal length. A nil transform leaves the view without extrinsics.
func validatePoses(poses *inference.Poses, views int) error {
	if poses == nil {
		return errors.New("pose estimation returned no poses")
	}
	if len(poses.CameraToWorld) != views {
		return errors.Errorf("pose estimation returned %d poses for %d views",
			len(poses.CameraToWorld), views)
	}
	for i, c2w := range poses.CameraToWorld {
		if c2w == nil {
			continue
		}
		if r, c := c2w.Dims(); r != 4 || c != 4 {
			return errors.Errorf("pose %d is %dx%d, want 4x4", i, r, c)
		}
	}
	if len(poses.Focals) == 0 {
		return errors.New("pose estimation returned no focal length")
	}
	return nil
}

// buildCamera creates the shared pinhole camera from the network input size
// ([width, height]) and the estimated focal length.
func buildCamera(size [2]int, focal float64) (models.Camera, error) {
	camera := models.Camera{
		ID:          SharedCameraID,
		Model:       models.PinholeModel,
		Width:       size[0],
		Height:      size[1],
		FocalLength: focal,
	}
	if err := camera.Validate(); err != nil {
		return models.Camera{}, errors.Wrap(err, "invalid camera")
	}
	return camera, nil
}

// buildViews creates one view per prediction. The view confidence is the
// maximum of its confidence map.
func buildViews(out *inference.Output, poses *inference.Poses) []models.CameraView {
	views := make([]models.CameraView, len(out.Views))
	for i, in := range out.Views {
		opts := []models.ViewOption{
			models.WithImage(in.Image),
			models.WithImagePath(in.ImagePath),
		}
		if c2w := poses.CameraToWorld[i]; c2w != nil {
			opts = append(opts, models.WithExtrinsics(c2w))
		}
		views[i] = models.NewCameraView(SharedCameraID, pointcloud.MaxConfidence(out.Preds[i].Conf), opts...)
	}
	return views
}
