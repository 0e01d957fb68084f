package providers

import (
	"strings"
	"testing"
)

func TestAugmentProviderError_ZhipuAuthHint(t *testing.T) {
	msg := augmentProviderError(ProviderZhipu, "身份验证失败，令牌已过期或验证不正确")
	if !strings.Contains(msg, "providers.zhipu.api_key") {
		t.Fatalf("expected zhipu key guidance in hint, got %q", msg)
	}
}

func TestAugmentProviderError_ZhipuModelHint(t *testing.T) {
	msg := augmentProviderError(ProviderZhipu, "模型不存在，请检查模型代码")
	if !strings.Contains(msg, defaultZhipuModel) {
		t.Fatalf("expected default model in hint, got %q", msg)
	}
}

func TestAugmentProviderError_OpenAIIncorrectAPIKeyHint(t *testing.T) {
	msg := augmentProviderError(ProviderOpenAI, "Incorrect API key provided")
	if !strings.Contains(msg, "Platform API credential") {
		t.Fatalf("expected platform credential hint, got %q", msg)
	}
}

func TestAugmentProviderError_UnknownMessageUnchanged(t *testing.T) {
	msg := augmentProviderError(ProviderOpenRouter, "  rate limited  ")
	if msg != "rate limited" {
		t.Fatalf("expected trimmed message only, got %q", msg)
	}
}
