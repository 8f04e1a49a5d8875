package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESCodeSender delivers verification codes by email through Amazon SES.
type SESCodeSender struct {
	client *ses.Client
	sender string
}

func NewSESCodeSender(ctx context.Context, region, sender string) (*SESCodeSender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESCodeSender{client: ses.NewFromConfig(cfg), sender: sender}, nil
}

func (s *SESCodeSender) SendCode(ctx context.Context, destination, code string) error {
	body := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code)
	_, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.sender),
		Destination: &types.Destination{ToAddresses: []string{destination}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String("Your verification code")},
			Body:    &types.Body{Text: &types.Content{Data: aws.String(body)}},
		},
	})
	if err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}
