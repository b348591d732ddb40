package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/metrics"
)

type ec2API interface {
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

type AWSOptions struct {
	Region string
	// Hibernate asks EC2 to hibernate instead of stopping when the AMI
	// supports it.
	Hibernate bool
}

// AWSStopper stops lab machines that run as EC2 instances. The pool's
// HypervisorID is the instance id.
type AWSStopper struct {
	client    ec2API
	hibernate bool
	log       *zap.Logger
	retry     retryPolicy
}

type retryPolicy struct {
	maxTries  uint
	baseDelay time.Duration
	maxDelay  time.Duration
}

var defaultRetry = retryPolicy{maxTries: 4, baseDelay: 250 * time.Millisecond, maxDelay: 2 * time.Second}

func NewAWSStopper(ctx context.Context, opts AWSOptions, log *zap.Logger) (*AWSStopper, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return newAWSStopper(ec2.NewFromConfig(cfg), opts, log), nil
}

func newAWSStopper(client ec2API, opts AWSOptions, log *zap.Logger) *AWSStopper {
	if log == nil {
		log = zap.NewNop()
	}
	return &AWSStopper{client: client, hibernate: opts.Hibernate, log: log.Named("hypervisor"), retry: defaultRetry}
}

func (s *AWSStopper) Provider() string { return "aws" }

func (s *AWSStopper) StopMachine(ctx context.Context, hypervisorID string) error {
	if strings.TrimSpace(hypervisorID) == "" {
		return nil
	}
	in := &ec2.StopInstancesInput{InstanceIds: []string{hypervisorID}}
	if s.hibernate {
		in.Hibernate = aws.Bool(true)
	}
	start := time.Now()
	err := s.retryAWS(ctx, "stop_instances", func(callCtx context.Context) error {
		_, stopErr := s.client.StopInstances(callCtx, in)
		return stopErr
	})
	durMS := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case err != nil && shouldIgnoreStopError(err):
		status = "ignored"
		err = nil
	case err != nil:
		status = "error"
	}
	labels := map[string]string{"op": "stop_instances", "status": status}
	metrics.Default().IncCounter("proctor_aws_operations_total", labels)
	metrics.Default().ObserveHistogram("proctor_aws_operation_latency_ms", durMS, labels)
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", hypervisorID, err)
	}
	return nil
}

// shouldIgnoreStopError treats an instance that is gone or already
// stopping as stopped.
func shouldIgnoreStopError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return code == "InvalidInstanceID.NotFound" || code == "IncorrectInstanceState"
}

func (s *AWSStopper) retryAWS(ctx context.Context, opName string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.baseDelay
	b.MaxInterval = s.retry.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.45

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !isTransientAWSError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.retry.maxTries),
		backoff.WithNotify(func(err error, delay time.Duration) {
			metrics.Default().IncCounter("proctor_aws_retries_total", map[string]string{
				"op":     opName,
				"reason": awsErrorCode(err),
			})
			s.log.Warn("aws_retry", zap.String("op", opName), zap.Duration("delay", delay), zap.Error(err))
		}),
	)
	if err != nil && isTransientAWSError(err) {
		metrics.Default().IncCounter("proctor_aws_retry_exhausted_total", map[string]string{"op": opName})
	}
	return err
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"RequestThrottled",
		"ServiceUnavailable",
		"InternalError",
		"RequestTimeout",
		"EC2ThrottledException":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
