/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rekognitiontypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/icvsb/icvsb/pkg/store"
)

// rekognitionAPI is the slice of the Rekognition client the adapter uses,
// extracted for stubbing in tests.
type rekognitionAPI interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

// amazonProvider calls Rekognition DetectLabels with downloaded image bytes.
// Rekognition reports confidence in [0,100]; it is normalized to [0,1] here.
// Success requires the Labels field in the vendor answer.
type amazonProvider struct {
	*fetcher
	api rekognitionAPI
}

func newAmazonProvider(f *fetcher, cfg Config) (*amazonProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &amazonProvider{fetcher: f, api: rekognition.NewFromConfig(awsCfg)}, nil
}

func (p *amazonProvider) Service() string { return store.ServiceAmazon }

func (p *amazonProvider) Fetch(ctx context.Context, uri string, maxLabels int, minConfidence float64) Outcome {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	image, failed, ok := p.download(ctx, uri)
	if !ok {
		return failed
	}

	raw, err := p.call(func() (interface{}, error) {
		return p.api.DetectLabels(ctx, &rekognition.DetectLabelsInput{
			Image:         &rekognitiontypes.Image{Bytes: image},
			MaxLabels:     aws.Int32(int32(maxLabels)),
			MinConfidence: aws.Float32(float32(minConfidence * 100)),
		})
	})
	if err != nil {
		return p.failure(KindServiceError, err)
	}
	out := raw.(*rekognition.DetectLabelsOutput)
	if out.Labels == nil {
		return p.failure(KindServiceError, fmt.Errorf("missing labels field"))
	}

	labels := map[string]float64{}
	for _, l := range out.Labels {
		if l.Name == nil || l.Confidence == nil {
			continue
		}
		labels[*l.Name] = float64(*l.Confidence) / 100
	}

	// The raw body is the re-serialized vendor answer; the SDK consumed the
	// wire form.
	body, _ := json.Marshal(map[string]interface{}{"labels": out.Labels})

	return Outcome{
		Body:    body,
		Success: true,
		Labels:  normalize(labels, maxLabels, minConfidence, true),
	}
}
