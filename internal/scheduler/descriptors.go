package scheduler

import (
	"fmt"
	"sort"

	"github.com/sjw9650/TradeButler/internal/collector"
	"github.com/sjw9650/TradeButler/internal/config"
	"github.com/sjw9650/TradeButler/internal/pipeline"
)

type JobKind string

const (
	KindPoll        JobKind = "poll"
	KindReannotate  JobKind = "reannotate"
	KindHealthCheck JobKind = "health_check"
)

// Spends 表示该类任务会产生计费调用，需要经过预算准入。
func (k JobKind) Spends() bool {
	return k == KindPoll || k == KindReannotate
}

// AllFeedsGroup 表示所有订阅源分组。
const AllFeedsGroup = "all"

// ScheduleDescriptor 是一个命名的周期任务，只设置与 Kind 对应的参数。
type ScheduleDescriptor struct {
	Name       string
	Cadence    string
	Kind       JobKind
	Priority   int
	Queue      string
	Poll       *pipeline.PollJobParams
	Reannotate *pipeline.ReannotateJobParams
}

func (d ScheduleDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	switch d.Kind {
	case KindPoll:
		if d.Poll == nil {
			return fmt.Errorf("scheduler: job %q: poll params missing", d.Name)
		}
	case KindReannotate:
		if d.Reannotate == nil {
			return fmt.Errorf("scheduler: job %q: reannotate params missing", d.Name)
		}
	case KindHealthCheck:
	default:
		return fmt.Errorf("scheduler: job %q: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// FromConfig 从校验过的配置构建任务描述。
func FromConfig(cfg *config.Config) ([]ScheduleDescriptor, error) {
	out := make([]ScheduleDescriptor, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		d := ScheduleDescriptor{
			Name:     jc.Name,
			Cadence:  jc.Cadence,
			Kind:     JobKind(jc.Kind),
			Priority: jc.Priority,
			Queue:    jc.Queue,
		}
		switch d.Kind {
		case KindPoll:
			group := jc.FeedGroup
			if group == "" {
				group = AllFeedsGroup
			}
			feeds, err := feedsFor(cfg.FeedGroups, group)
			if err != nil {
				return nil, fmt.Errorf("job %q: %w", jc.Name, err)
			}
			d.Poll = &pipeline.PollJobParams{FeedGroup: group, Feeds: feeds}
		case KindReannotate:
			d.Reannotate = &pipeline.ReannotateJobParams{Limit: jc.Limit}
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func feedsFor(groups map[string][]config.FeedConfig, group string) ([]collector.FeedDescriptor, error) {
	var names []string
	if group == AllFeedsGroup {
		for name := range groups {
			names = append(names, name)
		}
		sort.Strings(names)
	} else {
		if _, ok := groups[group]; !ok {
			return nil, fmt.Errorf("unknown feed group %q", group)
		}
		names = []string{group}
	}

	var feeds []collector.FeedDescriptor
	for _, name := range names {
		for _, fc := range groups[name] {
			feeds = append(feeds, collector.FeedDescriptor{
				Name:     fc.Name,
				URL:      fc.URL,
				Source:   fc.Source,
				Group:    name,
				Category: fc.Category,
				Language: fc.Language,
			})
		}
	}
	return feeds, nil
}
