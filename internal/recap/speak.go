package recap

import (
	"context"
	"fmt"

	speakapi "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speakclient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
)

// DeepgramVoice synthesizes speech through the Deepgram Speak REST API.
type DeepgramVoice struct {
	api   *speakapi.Client
	model string
}

func NewDeepgramVoice(apiKey, model string) *DeepgramVoice {
	c := speakclient.NewREST(apiKey, &interfaces.ClientOptions{})
	return &DeepgramVoice{api: speakapi.New(c), model: model}
}

func (v *DeepgramVoice) Synthesize(ctx context.Context, text string) ([]byte, error) {
	options := &interfaces.SpeakOptions{Model: v.model}
	buf := &interfaces.RawResponse{}
	if _, err := v.api.ToStream(ctx, text, options, buf); err != nil {
		return nil, fmt.Errorf("deepgram speak: %w", err)
	}
	return buf.Bytes(), nil
}
