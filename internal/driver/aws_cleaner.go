package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// Cleaner removes a session's resources directly through the cloud API
type Cleaner interface {
	Cleanup(ctx context.Context, account models.CloudAccount, known *models.ProvisionResult) ([]models.CleanupStep, error)
}

// IAMAPI is the subset of the IAM client used for cleanup
type IAMAPI interface {
	ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	ListUserPolicies(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error)
	DeleteUserPolicy(ctx context.Context, params *iam.DeleteUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteUserPolicyOutput, error)
	ListGroupsForUser(ctx context.Context, params *iam.ListGroupsForUserInput, optFns ...func(*iam.Options)) (*iam.ListGroupsForUserOutput, error)
	RemoveUserFromGroup(ctx context.Context, params *iam.RemoveUserFromGroupInput, optFns ...func(*iam.Options)) (*iam.RemoveUserFromGroupOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	DeleteLoginProfile(ctx context.Context, params *iam.DeleteLoginProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteLoginProfileOutput, error)
	DeleteUser(ctx context.Context, params *iam.DeleteUserInput, optFns ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
}

// S3API is the subset of the S3 client used for cleanup
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// ClientFactory builds API clients authenticated as the account's admin
type ClientFactory func(ctx context.Context, account models.CloudAccount) (IAMAPI, S3API, error)

// StaticClients builds IAM and S3 clients from the account's static keys
func StaticClients(ctx context.Context, account models.CloudAccount) (IAMAPI, S3API, error) {
	region := strings.TrimSpace(account.Region)
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	// Accounts without static keys use the default credential chain.
	if account.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(account.AccessKeyID, account.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return iam.NewFromConfig(cfg), s3.NewFromConfig(cfg), nil
}

// AWSCleaner deletes a lab principal and bucket step by step
type AWSCleaner struct {
	clients ClientFactory
}

// NewAWSCleaner creates a direct API cleaner
func NewAWSCleaner(factory ClientFactory) *AWSCleaner {
	if factory == nil {
		factory = StaticClients
	}
	return &AWSCleaner{clients: factory}
}

// ErrNothingKnown is returned when there is no principal or bucket to target.
var ErrNothingKnown = errors.New("no known principal or bucket to clean up")

// Cleanup removes the known principal and bucket. Resources that are
// already gone count as removed.
func (c *AWSCleaner) Cleanup(ctx context.Context, account models.CloudAccount, known *models.ProvisionResult) ([]models.CleanupStep, error) {
	if known == nil || (known.Username == "" && known.BucketName == "") {
		return nil, ErrNothingKnown
	}

	iamClient, s3Client, err := c.clients(ctx, account)
	if err != nil {
		return nil, err
	}

	rec := &stepRecorder{}
	if known.Username != "" {
		c.deleteUser(ctx, iamClient, known.Username, rec)
	}
	if known.BucketName != "" {
		c.deleteBucket(ctx, s3Client, known.BucketName, rec)
	}

	if failed := rec.failed(); failed > 0 {
		return rec.steps, fmt.Errorf("%d cleanup steps failed", failed)
	}
	return rec.steps, nil
}

func (c *AWSCleaner) deleteUser(ctx context.Context, client IAMAPI, username string, rec *stepRecorder) {
	user := aws.String(username)

	attached := iam.NewListAttachedUserPoliciesPaginator(client, &iam.ListAttachedUserPoliciesInput{UserName: user})
	for attached.HasMorePages() {
		page, err := attached.NextPage(ctx)
		if err != nil {
			if rec.record("list_attached_policies", username, err) {
				break
			}
			// The user itself is gone.
			rec.record("delete_user", username, err)
			return
		}
		for _, p := range page.AttachedPolicies {
			_, err := client.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{UserName: user, PolicyArn: p.PolicyArn})
			rec.record("detach_policy", aws.ToString(p.PolicyArn), err)
		}
	}

	inline := iam.NewListUserPoliciesPaginator(client, &iam.ListUserPoliciesInput{UserName: user})
	for inline.HasMorePages() {
		page, err := inline.NextPage(ctx)
		if err != nil {
			rec.record("list_inline_policies", username, err)
			break
		}
		for _, name := range page.PolicyNames {
			_, err := client.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: user, PolicyName: aws.String(name)})
			rec.record("delete_inline_policy", name, err)
		}
	}

	groups := iam.NewListGroupsForUserPaginator(client, &iam.ListGroupsForUserInput{UserName: user})
	for groups.HasMorePages() {
		page, err := groups.NextPage(ctx)
		if err != nil {
			rec.record("list_groups", username, err)
			break
		}
		for _, g := range page.Groups {
			_, err := client.RemoveUserFromGroup(ctx, &iam.RemoveUserFromGroupInput{UserName: user, GroupName: g.GroupName})
			rec.record("remove_from_group", aws.ToString(g.GroupName), err)
		}
	}

	keys := iam.NewListAccessKeysPaginator(client, &iam.ListAccessKeysInput{UserName: user})
	for keys.HasMorePages() {
		page, err := keys.NextPage(ctx)
		if err != nil {
			rec.record("list_access_keys", username, err)
			break
		}
		for _, k := range page.AccessKeyMetadata {
			_, err := client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{UserName: user, AccessKeyId: k.AccessKeyId})
			rec.record("delete_access_key", aws.ToString(k.AccessKeyId), err)
		}
	}

	_, err := client.DeleteLoginProfile(ctx, &iam.DeleteLoginProfileInput{UserName: user})
	rec.record("delete_login_profile", username, err)

	_, err = client.DeleteUser(ctx, &iam.DeleteUserInput{UserName: user})
	rec.record("delete_user", username, err)
}

func (c *AWSCleaner) deleteBucket(ctx context.Context, client S3API, bucket string, rec *stepRecorder) {
	name := aws.String(bucket)

	objects := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{Bucket: name})
	for objects.HasMorePages() {
		page, err := objects.NextPage(ctx)
		if err != nil {
			if !rec.record("list_objects", bucket, err) {
				rec.record("delete_bucket", bucket, err)
				return
			}
			break
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, s3types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: name,
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err == nil && out != nil && len(out.Errors) > 0 {
			err = fmt.Errorf("%d objects could not be deleted", len(out.Errors))
		}
		rec.record("empty_bucket", bucket, err)
	}

	_, err := client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: name})
	rec.record("delete_bucket", bucket, err)
}

type stepRecorder struct {
	steps []models.CleanupStep
}

// record appends a step and reports whether the caller should keep going.
// A not-found error is recorded as success and stops the current listing.
func (r *stepRecorder) record(action, target string, err error) bool {
	step := models.CleanupStep{Tier: models.TierDirect, Action: action, Target: target}
	switch {
	case err == nil:
	case isNotFound(err):
		step.NotFound = true
		r.steps = append(r.steps, step)
		return false
	default:
		step.Error = err.Error()
	}
	r.steps = append(r.steps, step)
	return true
}

func (r *stepRecorder) failed() int {
	n := 0
	for _, s := range r.steps {
		if s.Error != "" {
			n++
		}
	}
	return n
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchEntity", "NoSuchBucket", "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
