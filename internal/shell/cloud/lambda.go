package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/pipeline"
)

// lambdaDateLayout is the timestamp format returned in CreatedDate fields.
const lambdaDateLayout = "2006-01-02T15:04:05.000-0700"

// LambdaConfig configures the AWS Lambda fleet.
type LambdaConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // optional, for LocalStack or tests

	// SettleTimeout bounds the wait for a function update to finish.
	SettleTimeout time.Duration
}

// LambdaFleet implements Fleet with AWS Lambda functions and layers.
type LambdaFleet struct {
	client        *lambda.Client
	settleTimeout time.Duration
	logger        *slog.Logger
}

// NewLambdaFleet creates a Lambda-backed fleet. The SDK is configured for a
// single attempt per call; retries are a new pipeline run.
func NewLambdaFleet(cfg LambdaConfig, logger *slog.Logger) *LambdaFleet {
	opts := lambda.Options{
		Region:           cfg.Region,
		RetryMaxAttempts: 1,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	settle := cfg.SettleTimeout
	if settle <= 0 {
		settle = 5 * time.Minute
	}

	return &LambdaFleet{
		client:        lambda.New(opts),
		settleTimeout: settle,
		logger:        logger.With("provider", "lambda", "region", cfg.Region),
	}
}

// =============================================================================
// Unit Store
// =============================================================================

// UpdateCode uploads a new deployment package and waits until the function
// reports the update as complete.
func (f *LambdaFleet) UpdateCode(ctx context.Context, unit string, zip []byte) (*CodeUpdate, error) {
	out, err := f.client.UpdateFunctionCode(ctx, &lambda.UpdateFunctionCodeInput{
		FunctionName: aws.String(unit),
		ZipFile:      zip,
	})
	if err != nil {
		return nil, NewCloudError("UpdateCode", unit, err)
	}

	if err := f.waitUpdated(ctx, unit); err != nil {
		return nil, NewCloudError("UpdateCode", unit, err)
	}

	f.logger.Debug("function code updated", "unit", unit, "revision", aws.ToString(out.RevisionId))
	return &CodeUpdate{
		RevisionID: aws.ToString(out.RevisionId),
		CodeSHA256: aws.ToString(out.CodeSha256),
	}, nil
}

// UpdateLayerBinding rewrites the function's layer list so it carries exactly
// one version of the layer.
func (f *LambdaFleet) UpdateLayerBinding(ctx context.Context, unit, layerVersionARN string) error {
	cfg, err := f.client.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(unit),
	})
	if err != nil {
		return NewCloudError("UpdateLayerBinding", unit, err)
	}

	current := make([]string, 0, len(cfg.Layers))
	for _, l := range cfg.Layers {
		current = append(current, aws.ToString(l.Arn))
	}

	// A pending code update makes the configuration call fail with a conflict.
	if err := f.waitUpdated(ctx, unit); err != nil {
		return NewCloudError("UpdateLayerBinding", unit, err)
	}

	_, err = f.client.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(unit),
		Layers:       pipeline.RebindLayers(current, layerVersionARN),
	})
	if err != nil {
		return NewCloudError("UpdateLayerBinding", unit, err)
	}

	if err := f.waitUpdated(ctx, unit); err != nil {
		return NewCloudError("UpdateLayerBinding", unit, err)
	}
	return nil
}

// ListUnits pages through all functions and returns the names with prefix.
func (f *LambdaFleet) ListUnits(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	p := lambda.NewListFunctionsPaginator(f.client, &lambda.ListFunctionsInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, NewCloudError("ListUnits", prefix, err)
		}
		for _, fn := range page.Functions {
			name := aws.ToString(fn.FunctionName)
			if strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *LambdaFleet) waitUpdated(ctx context.Context, unit string) error {
	w := lambda.NewFunctionUpdatedWaiter(f.client)
	return w.Wait(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(unit),
	}, f.settleTimeout)
}

// =============================================================================
// Layer Store
// =============================================================================

// Publish creates a new layer version. Lambda assigns the version number.
func (f *LambdaFleet) Publish(ctx context.Context, in PublishInput) (*domain.LayerVersion, error) {
	runtimes := make([]lambdatypes.Runtime, 0, len(in.CompatibleRuntimes))
	for _, r := range in.CompatibleRuntimes {
		runtimes = append(runtimes, lambdatypes.Runtime(r))
	}

	out, err := f.client.PublishLayerVersion(ctx, &lambda.PublishLayerVersionInput{
		LayerName:          aws.String(in.LayerName),
		Description:        aws.String(in.Description),
		Content:            &lambdatypes.LayerVersionContentInput{ZipFile: in.Zip},
		CompatibleRuntimes: runtimes,
	})
	if err != nil {
		return nil, NewCloudError("Publish", in.LayerName, err)
	}

	v := &domain.LayerVersion{
		LayerName:          in.LayerName,
		Version:            out.Version,
		ARN:                aws.ToString(out.LayerVersionArn),
		LayerARN:           aws.ToString(out.LayerArn),
		Description:        aws.ToString(out.Description),
		CompatibleRuntimes: runtimeStrings(out.CompatibleRuntimes),
		PublishedAt:        parseLambdaDate(aws.ToString(out.CreatedDate)),
	}
	if out.Content != nil {
		v.CodeSHA256 = aws.ToString(out.Content.CodeSha256)
	}

	f.logger.Info("layer version published", "layer", in.LayerName, "version", v.Version, "arn", v.ARN)
	return v, nil
}

// GetVersion fetches a published layer version.
func (f *LambdaFleet) GetVersion(ctx context.Context, layerName string, version int64) (*domain.LayerVersion, error) {
	out, err := f.client.GetLayerVersion(ctx, &lambda.GetLayerVersionInput{
		LayerName:     aws.String(layerName),
		VersionNumber: aws.Int64(version),
	})
	if err != nil {
		return nil, NewCloudError("GetVersion", fmt.Sprintf("%s:%d", layerName, version), err)
	}

	v := &domain.LayerVersion{
		LayerName:          layerName,
		Version:            out.Version,
		ARN:                aws.ToString(out.LayerVersionArn),
		LayerARN:           aws.ToString(out.LayerArn),
		Description:        aws.ToString(out.Description),
		CompatibleRuntimes: runtimeStrings(out.CompatibleRuntimes),
		PublishedAt:        parseLambdaDate(aws.ToString(out.CreatedDate)),
	}
	if out.Content != nil {
		v.CodeSHA256 = aws.ToString(out.Content.CodeSha256)
	}
	return v, nil
}

func runtimeStrings(rs []lambdatypes.Runtime) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, string(r))
	}
	return out
}

func parseLambdaDate(s string) time.Time {
	t, err := time.Parse(lambdaDateLayout, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
