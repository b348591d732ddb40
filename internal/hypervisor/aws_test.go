package hypervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

type fakeEC2 struct {
	errs  []error
	calls int
	last  *ec2.StopInstancesInput
}

func (f *fakeEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.calls++
	f.last = in
	if len(f.errs) == 0 {
		return &ec2.StopInstancesOutput{}, nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return nil, err
}

func testStopper(client ec2API) *AWSStopper {
	s := newAWSStopper(client, AWSOptions{Region: "us-east-1"}, zap.NewNop())
	s.retry = retryPolicy{maxTries: 4, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}
	return s
}

func TestShouldIgnoreStopError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "instance not found",
			err:  &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "missing"},
			want: true,
		},
		{
			name: "incorrect instance state",
			err:  &smithy.GenericAPIError{Code: "IncorrectInstanceState", Message: "already stopping"},
			want: true,
		},
		{
			name: "other aws error",
			err:  &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "throttle"},
			want: false,
		},
		{
			name: "non aws error",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shouldIgnoreStopError(tt.err)
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransientAWSError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"request limit exceeded", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}, true},
		{"service unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailable"}, true},
		{"invalid instance id", &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}, false},
		{"non aws error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientAWSError(tt.err); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStopMachineRetriesTransient(t *testing.T) {
	client := &fakeEC2{errs: []error{
		&smithy.GenericAPIError{Code: "RequestLimitExceeded"},
		&smithy.GenericAPIError{Code: "ServiceUnavailable"},
	}}
	if err := testStopper(client).StopMachine(context.Background(), "i-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
	if got := client.last.InstanceIds; len(got) != 1 || got[0] != "i-123" {
		t.Fatalf("unexpected instance ids: %v", got)
	}
}

func TestStopMachineNonTransientDoesNotRetry(t *testing.T) {
	client := &fakeEC2{errs: []error{&smithy.GenericAPIError{Code: "UnauthorizedOperation"}}}
	if err := testStopper(client).StopMachine(context.Background(), "i-123"); err == nil {
		t.Fatal("expected error")
	}
	if client.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", client.calls)
	}
}

func TestStopMachineIgnoresAlreadyStopped(t *testing.T) {
	client := &fakeEC2{errs: []error{&smithy.GenericAPIError{Code: "IncorrectInstanceState"}}}
	if err := testStopper(client).StopMachine(context.Background(), "i-123"); err != nil {
		t.Fatalf("expected ignored error, got %v", err)
	}
}

func TestStopMachineSkipsEmptyID(t *testing.T) {
	client := &fakeEC2{}
	if err := testStopper(client).StopMachine(context.Background(), " "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no calls, got %d", client.calls)
	}
}

func TestStopMachineRetryExhausted(t *testing.T) {
	throttle := &smithy.GenericAPIError{Code: "Throttling"}
	client := &fakeEC2{errs: []error{throttle, throttle, throttle, throttle, throttle}}
	if err := testStopper(client).StopMachine(context.Background(), "i-123"); err == nil {
		t.Fatal("expected error")
	}
	if client.calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", client.calls)
	}
}
