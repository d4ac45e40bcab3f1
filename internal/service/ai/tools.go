package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"finassist/internal/models"
	"finassist/internal/service/assistant"
)

func InitToolsChain(store *assistant.Service) []tool.BaseTool {
	var tools []tool.BaseTool

	if ct := initCategorizeTransaction(store); ct != nil {
		tools = append(tools, ct)
	}
	if br := initCreateBudgetRule(store); br != nil {
		tools = append(tools, br)
	}
	if sp := initSaveUserProfile(store); sp != nil {
		tools = append(tools, sp)
	}
	if ws := InitWebSearch(); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

var financeToolLimiter = newToolRateLimiter(FinanceToolRateLimit, FinanceToolRateWin)

// categorize_transaction

type categorizeTransactionTool struct {
	store *assistant.Service
}

type categorizeTransactionParams struct {
	Text string `json:"text"`
}

func initCategorizeTransaction(store *assistant.Service) tool.InvokableTool {
	if store == nil {
		return nil
	}
	t := &categorizeTransactionTool{store: store}
	info := &schema.ToolInfo{
		Name: "categorize_transaction",
		Desc: "Parse a transaction from the user's message, assign a spending category, and record it. " +
			"Use when the user mentions spending or receiving money.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"text": {
				Desc:     "The user's description of the transaction, e.g. 'spent $42 on groceries'",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, t.run)
}

func (t *categorizeTransactionTool) run(ctx context.Context, params *categorizeTransactionParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Text) == "" {
		return "", errors.New("text must not be empty")
	}
	userID, ok := ToolUserFromContext(ctx)
	if !ok {
		return "", errors.New("no user bound to this request")
	}
	if !financeToolLimiter.Allow(fmt.Sprintf("user:%d", userID)) {
		return "", errors.New("too many finance operations, please retry in a minute")
	}

	amount, ok := ParseAmount(params.Text)
	if !ok {
		return "", errors.New("could not find an amount in the transaction text")
	}
	category, confidence := CategorizeText(params.Text)
	txType := DetectTransactionType(params.Text)

	stored, err := t.store.CreateTransaction(ctx, models.Transaction{
		UserID:       userID,
		Amount:       amount,
		Type:         models.TransactionType(txType),
		Source:       models.SourceManual,
		Description:  strings.TrimSpace(params.Text),
		AICategory:   category,
		AIConfidence: confidence,
	})
	if err != nil {
		return "", fmt.Errorf("record transaction: %w", err)
	}

	Progress(ctx, map[string]any{
		"transaction_id": stored.ID,
		"category":       category,
		"confidence":     confidence,
	})
	return fmt.Sprintf("Recorded %s of %.2f in category %q (confidence %.0f%%).",
		txType, amount, category, confidence*100), nil
}

// create_budget_rule

type createBudgetRuleTool struct {
	store *assistant.Service
}

type createBudgetRuleParams struct {
	LimitAmount float64 `json:"limit_amount"`
	Period      string  `json:"period"`
}

func initCreateBudgetRule(store *assistant.Service) tool.InvokableTool {
	if store == nil {
		return nil
	}
	t := &createBudgetRuleTool{store: store}
	info := &schema.ToolInfo{
		Name: "create_budget_rule",
		Desc: "Create a recurring spending budget for the user. Use when the user asks to set a budget or spending limit.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"limit_amount": {
				Desc:     "Maximum amount to spend within one period",
				Type:     schema.Number,
				Required: true,
			},
			"period": {
				Desc:     "Budget window: daily, weekly, or monthly",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, t.run)
}

func (t *createBudgetRuleTool) run(ctx context.Context, params *createBudgetRuleParams) (string, error) {
	if params == nil {
		return "", errors.New("missing budget parameters")
	}
	if params.LimitAmount <= 0 {
		return "", errors.New("limit_amount must be positive")
	}
	period := models.BudgetPeriod(strings.ToLower(strings.TrimSpace(params.Period)))
	switch period {
	case models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly:
	default:
		return "", fmt.Errorf("invalid period %q: use daily, weekly, or monthly", params.Period)
	}
	userID, ok := ToolUserFromContext(ctx)
	if !ok {
		return "", errors.New("no user bound to this request")
	}
	if !financeToolLimiter.Allow(fmt.Sprintf("user:%d", userID)) {
		return "", errors.New("too many finance operations, please retry in a minute")
	}

	rule, err := t.store.CreateBudgetRule(ctx, userID, params.LimitAmount, period)
	if err != nil {
		return "", fmt.Errorf("create budget rule: %w", err)
	}

	Progress(ctx, map[string]any{
		"budget_rule_id": rule.ID,
		"period":         string(rule.Period),
	})
	return fmt.Sprintf("Created a %s budget of %.2f; it resets on %s.",
		period, rule.LimitAmount, rule.NextResetDate.Format("2006-01-02")), nil
}

// save_user_profile

type saveUserProfileTool struct {
	store *assistant.Service
}

type saveUserProfileParams struct {
	MonthlyIncome *float64 `json:"monthly_income,omitempty"`
	SavingsGoal   *float64 `json:"savings_goal,omitempty"`
	Currency      string   `json:"currency,omitempty"`
}

func initSaveUserProfile(store *assistant.Service) tool.InvokableTool {
	if store == nil {
		return nil
	}
	t := &saveUserProfileTool{store: store}
	info := &schema.ToolInfo{
		Name: "save_user_profile",
		Desc: "Save the user's financial profile details. Use when the user shares their income, savings goal, or preferred currency.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"monthly_income": {
				Desc:     "User's monthly income",
				Type:     schema.Number,
				Required: false,
			},
			"savings_goal": {
				Desc:     "User's savings goal amount",
				Type:     schema.Number,
				Required: false,
			},
			"currency": {
				Desc:     "Three-letter currency code, e.g. USD",
				Type:     schema.String,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, t.run)
}

func (t *saveUserProfileTool) run(ctx context.Context, params *saveUserProfileParams) (string, error) {
	if params == nil {
		return "", errors.New("missing profile parameters")
	}
	if params.MonthlyIncome == nil && params.SavingsGoal == nil && strings.TrimSpace(params.Currency) == "" {
		return "", errors.New("nothing to save: provide income, savings goal, or currency")
	}
	userID, ok := ToolUserFromContext(ctx)
	if !ok {
		return "", errors.New("no user bound to this request")
	}

	user, err := t.store.UpdateUserProfile(ctx, userID, params.MonthlyIncome, params.SavingsGoal, params.Currency)
	if err != nil {
		return "", fmt.Errorf("save profile: %w", err)
	}

	Progress(ctx, map[string]any{"profile_updated": true})
	parts := make([]string, 0, 3)
	if user.MonthlyIncome != nil {
		parts = append(parts, fmt.Sprintf("monthly income %.2f", *user.MonthlyIncome))
	}
	if user.SavingsGoal != nil {
		parts = append(parts, fmt.Sprintf("savings goal %.2f", *user.SavingsGoal))
	}
	parts = append(parts, "currency "+user.Currency)
	return "Profile saved: " + strings.Join(parts, ", ") + ".", nil
}

func InitWebSearch() tool.InvokableTool {
	googleTool := InitGooglesearch()
	duckTool := InitDDGsearch()
	if googleTool == nil && duckTool == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current financial information such as prices or rates; " +
			"automatically falls back to another provider if needed; " +
			"can fetch a URL directly.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		if content, err := w.fetchURL(ctx, query); err == nil {
			return content, nil
		} else {
			log.Printf("web url loader failed: %v", err)
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}

	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}

	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch Init DDG Search
func InitDDGsearch() tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		log.Printf("duckduckgo search tool disabled: %v", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch() tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search tool disabled: %v", err)
		return nil
	}
	return googleTool
}
