package timeline

import (
	"sort"
	"time"
)

// Interval 表示一次分片写入占用的墙钟时间段。
type Interval struct {
	Start time.Time
	End   time.Time
}

// Report 汇总一次上传会话的活动时间线统计。
type Report struct {
	Start              time.Time
	End                time.Time
	ActiveSeconds      float64
	DowntimeSeconds    float64
	PeakConcurrency    int
	ConcurrencySeconds float64
	AvgConcurrency     float64
}

// Reconstruct 对全部写入区间做一次扫描线合并，得到权威的活动/空档/并发统计。
// 区间可以任意重叠，重叠部分的时长只计一次；输入为空时返回零值报告。
func Reconstruct(intervals []Interval) Report {
	if len(intervals) == 0 {
		return Report{}
	}

	type event struct {
		at    time.Time
		delta int
	}

	events := make([]event, 0, len(intervals)*2)
	for _, iv := range intervals {
		start, end := iv.Start, iv.End
		if end.Before(start) {
			// 倒挂区间按零长处理
			end = start
		}
		events = append(events, event{at: start, delta: +1})
		events = append(events, event{at: end, delta: -1})
	}

	// 时间相同时先应用关闭事件，衔接处的并发数才不会虚高
	sort.Slice(events, func(i, j int) bool {
		if events[i].at.Equal(events[j].at) {
			return events[i].delta < events[j].delta
		}
		return events[i].at.Before(events[j].at)
	})

	var (
		open     int
		peak     int
		active   float64
		integral float64
	)

	prev := events[0].at
	for _, ev := range events {
		if ev.at.After(prev) {
			if open > 0 {
				dt := ev.at.Sub(prev).Seconds()
				active += dt
				integral += float64(open) * dt
			}
			prev = ev.at
		}
		open += ev.delta
		if open > peak {
			peak = open
		}
	}

	report := Report{
		Start:              events[0].at,
		End:                prev,
		ActiveSeconds:      active,
		DowntimeSeconds:    prev.Sub(events[0].at).Seconds() - active,
		PeakConcurrency:    peak,
		ConcurrencySeconds: integral,
	}
	if active > 0 {
		report.AvgConcurrency = integral / active
	}

	return report
}
