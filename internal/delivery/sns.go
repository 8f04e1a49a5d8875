package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// SNSCodeSender delivers verification codes by SMS through Amazon SNS.
type SNSCodeSender struct {
	client *sns.Client
}

func NewSNSCodeSender(ctx context.Context, region string) (*SNSCodeSender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSCodeSender{client: sns.NewFromConfig(cfg)}, nil
}

func (s *SNSCodeSender) SendCode(ctx context.Context, destination, code string) error {
	message := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code)
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(destination),
		Message:     aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("send verification sms: %w", err)
	}
	return nil
}
