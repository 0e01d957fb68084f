package providers

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/dotsetgreg/roleplay/pkg/config"
)

const (
	ProviderZhipu      = "zhipu"
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)

const (
	defaultZhipuAPIBase      = "https://open.bigmodel.cn/api/paas/v4"
	defaultZhipuModel        = "glm-4-flash"
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "z-ai/glm-4.5-air"
	defaultOpenAIAPIBase     = "https://api.openai.com/v1"
	defaultOpenAIModel       = "gpt-5-mini"
)

// resolver turns config into a ready endpoint, or explains which credential
// is missing.
type resolver func(cfg *config.Config) (endpoint, error)

var backends = map[string]resolver{
	ProviderZhipu:      resolveZhipu,
	ProviderOpenRouter: resolveOpenRouter,
	ProviderOpenAI:     resolveOpenAI,
}

func SupportedProviders() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeProviderName lowercases name; empty selects Zhipu.
func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderZhipu
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderZhipu
	}
	return NormalizeProviderName(cfg.Session.Provider)
}

func resolve(cfg *config.Config) (endpoint, error) {
	if cfg == nil {
		return endpoint{}, fmt.Errorf("config is required")
	}
	name := ActiveProviderName(cfg)
	r, ok := backends[name]
	if !ok {
		return endpoint{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return r(cfg)
}

// ValidateProviderConfig reports whether the active provider has usable
// credentials.
func ValidateProviderConfig(cfg *config.Config) error {
	_, err := resolve(cfg)
	return err
}

// ProviderCredentialStatus names the active provider and the auth mode its
// credentials resolve to.
func ProviderCredentialStatus(cfg *config.Config) (provider string, configured bool, mode string) {
	provider = ActiveProviderName(cfg)
	ep, err := resolve(cfg)
	if err != nil {
		return provider, false, ""
	}
	return provider, true, ep.auth.Mode()
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	ep, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return newChatCompletionsClient(ep)
}

func requireKey(key, field, label, env string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%s API key is required (set %s or %s)", label, field, env)
	}
	return nil
}

func resolveZhipu(cfg *config.Config) (endpoint, error) {
	pc := cfg.Providers.Zhipu
	if err := requireKey(pc.APIKey, "providers.zhipu.api_key", "Zhipu", "ROLEPLAY_PROVIDERS_ZHIPU_API_KEY"); err != nil {
		return endpoint{}, err
	}
	return endpoint{
		provider:     ProviderZhipu,
		apiBase:      valueOr(pc.APIBase, defaultZhipuAPIBase),
		defaultModel: defaultZhipuModel,
		proxy:        pc.Proxy,
		auth:         NewRawKeyAuth(NewStaticTokenSource(pc.APIKey, "providers.zhipu.api_key")),
	}, nil
}

func resolveOpenRouter(cfg *config.Config) (endpoint, error) {
	pc := cfg.Providers.OpenRouter
	if err := requireKey(pc.APIKey, "providers.openrouter.api_key", "OpenRouter", "ROLEPLAY_PROVIDERS_OPENROUTER_API_KEY"); err != nil {
		return endpoint{}, err
	}
	return endpoint{
		provider:     ProviderOpenRouter,
		apiBase:      valueOr(pc.APIBase, defaultOpenRouterAPIBase),
		defaultModel: defaultOpenRouterModel,
		proxy:        pc.Proxy,
		auth:         NewAPIKeyAuth(NewStaticTokenSource(pc.APIKey, "providers.openrouter.api_key")),
		headers:      map[string]string{"X-Title": "roleplay"},
	}, nil
}

// resolveOpenAI accepts exactly one of api_key, oauth_access_token, or
// oauth_token_file.
func resolveOpenAI(cfg *config.Config) (endpoint, error) {
	oc := cfg.Providers.OpenAI

	var set []string
	var auth AuthStrategy
	if v := strings.TrimSpace(oc.APIKey); v != "" {
		set = append(set, "providers.openai.api_key")
		auth = NewAPIKeyAuth(NewStaticTokenSource(v, "providers.openai.api_key"))
	}
	if v := strings.TrimSpace(oc.OAuthAccessToken); v != "" {
		set = append(set, "providers.openai.oauth_access_token")
		auth = NewBearerTokenAuth(NewStaticTokenSource(v, "providers.openai.oauth_access_token"))
	}
	if v := strings.TrimSpace(oc.OAuthTokenFile); v != "" {
		set = append(set, "providers.openai.oauth_token_file")
		path := config.ExpandHome(v)
		if _, err := os.Stat(path); err != nil {
			return endpoint{}, fmt.Errorf("OpenAI OAuth token file not accessible at %s: %w", path, err)
		}
		auth = NewBearerTokenAuth(NewFileTokenSource(v))
	}
	switch len(set) {
	case 0:
		return endpoint{}, fmt.Errorf("OpenAI credentials are required (set one of providers.openai.api_key / oauth_access_token / oauth_token_file)")
	case 1:
	default:
		slices.Sort(set)
		return endpoint{}, fmt.Errorf("multiple OpenAI credential sources configured (%s); set exactly one", strings.Join(set, ", "))
	}

	return endpoint{
		provider:     ProviderOpenAI,
		apiBase:      valueOr(oc.APIBase, defaultOpenAIAPIBase),
		defaultModel: defaultOpenAIModel,
		proxy:        oc.Proxy,
		auth:         auth,
		headers: map[string]string{
			"OpenAI-Organization": oc.Organization,
			"OpenAI-Project":      oc.Project,
		},
	}, nil
}

func valueOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
