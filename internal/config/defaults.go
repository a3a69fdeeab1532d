package config

// 内置的订阅源分组、任务和价格。调度文件会整体替换分组和任务，价格按模型覆盖。

var defaultFeedGroups = map[string][]FeedConfig{
	"korean": {
		{Name: "hankyung-economy", URL: "https://www.hankyung.com/feed/economy", Source: "rss:hankyung_economy", Category: "economy", Language: "ko"},
		{Name: "hankyung-finance", URL: "https://www.hankyung.com/feed/finance", Source: "rss:hankyung_finance", Category: "finance", Language: "ko"},
	},
	"us_news": {
		{Name: "yahoo-news", URL: "https://news.yahoo.com/rss/", Source: "rss:yahoo_news", Category: "general", Language: "en"},
		{Name: "cnn-topstories", URL: "http://rss.cnn.com/rss/cnn_topstories.rss", Source: "rss:cnn_topstories", Category: "general", Language: "en"},
		{Name: "nyt-homepage", URL: "https://rss.nytimes.com/services/xml/rss/nyt/HomePage.xml", Source: "rss:nyt_homepage", Category: "general", Language: "en"},
		{Name: "marketwatch", URL: "https://feeds.marketwatch.com/marketwatch/topstories/", Source: "rss:marketwatch_topstories", Category: "finance", Language: "en"},
		{Name: "cnbc", URL: "https://search.cnbc.com/rs/search/combinedcms/view.xml?partnerId=wrss01&id=100003114", Source: "rss:cnbc_topstories", Category: "finance", Language: "en"},
	},
}

var defaultJobs = []JobConfig{
	{Name: "korean-news", Cadence: "0 * * * *", Kind: "poll", Priority: 5, Queue: "rss_ingestion", FeedGroup: "korean"},
	{Name: "us-news", Cadence: "*/30 * * * *", Kind: "poll", Priority: 5, Queue: "rss_ingestion", FeedGroup: "us_news"},
	{Name: "all-news", Cadence: "0 2 * * *", Kind: "poll", Priority: 3, Queue: "rss_ingestion", FeedGroup: "all"},
	{Name: "reannotate", Cadence: "30 3 * * *", Kind: "reannotate", Priority: 2, Queue: "default", Limit: 50},
	{Name: "health-check", Cadence: "*/5 * * * *", Kind: "health_check", Priority: 1, Queue: "default"},
}

var defaultPricing = map[string]PriceConfig{
	"gpt-3.5-turbo": {InputPer1K: "0.0015", OutputPer1K: "0.002"},
	"gpt-4":         {InputPer1K: "0.03", OutputPer1K: "0.06"},
	"gpt-4-turbo":   {InputPer1K: "0.01", OutputPer1K: "0.03"},
}

func applyDefaults(c *Config) {
	c.FeedGroups = make(map[string][]FeedConfig, len(defaultFeedGroups))
	for group, feeds := range defaultFeedGroups {
		c.FeedGroups[group] = append([]FeedConfig(nil), feeds...)
	}
	c.Jobs = append([]JobConfig(nil), defaultJobs...)
	c.Pricing = make(map[string]PriceConfig, len(defaultPricing))
	for model, p := range defaultPricing {
		c.Pricing[model] = p
	}
}
