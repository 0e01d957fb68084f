package providers

import "strings"

type errorHint struct {
	match []string
	hint  string
}

var errorHints = map[string][]errorHint{
	ProviderZhipu: {
		{[]string{"令牌", "api key", "authorization"}, "provider zhipu sends the raw BigModel key; set providers.zhipu.api_key or ROLEPLAY_PROVIDERS_ZHIPU_API_KEY."},
		{[]string{"模型不存在", "model not found"}, "check session.model; the default BigModel chat model is " + defaultZhipuModel + "."},
		{[]string{"余额不足", "insufficient balance"}, "the BigModel account has run out of credit."},
	},
	ProviderOpenAI: {
		{[]string{"missing scopes: model.request", "insufficient permissions for this operation"}, "OpenAI API calls require model.request access for the configured project."},
		{[]string{"incorrect api key provided"}, "provider openai expects a Platform API credential."},
	},
	ProviderOpenRouter: {
		{[]string{"no endpoints found"}, "the model id is unknown to OpenRouter; check session.model."},
	},
}

// augmentProviderError appends a configuration hint to well-known provider
// error messages.
func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	lower := strings.ToLower(msg)
	for _, h := range errorHints[NormalizeProviderName(providerName)] {
		for _, m := range h.match {
			if strings.Contains(lower, m) {
				return msg + " Hint: " + h.hint
			}
		}
	}
	return msg
}
