package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

type levelStat struct {
	warns  int64
	errors int64
}

var (
	channels   sync.Map // map[string]*channelStat
	components sync.Map // map[string]*levelStat
)

func componentStat(component string) *levelStat {
	v, _ := components.LoadOrStore(component, &levelStat{})
	return v.(*levelStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStat(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStat(component).errors, 1)
}

// RecordChannelMessage counts one message of size bytes on the named channel,
// usually a venue id or a sink id.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// ChannelStats returns the message and byte totals recorded for name.
func ChannelStats(name string) (messages, bytes int64) {
	v, ok := channels.Load(name)
	if !ok {
		return 0, 0
	}
	cs := v.(*channelStat)
	return atomic.LoadInt64(&cs.messages), atomic.LoadInt64(&cs.bytes)
}

// ComponentStats returns how many warnings and errors component has logged.
func ComponentStats(component string) (warns, errors int64) {
	v, ok := components.Load(component)
	if !ok {
		return 0, 0
	}
	ls := v.(*levelStat)
	return atomic.LoadInt64(&ls.warns), atomic.LoadInt64(&ls.errors)
}

// StartReport logs host, channel and component statistics every interval
// until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats, err := mem.VirtualMemory(); err == nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		ls := v.(*levelStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&ls.warns),
			"errors": atomic.LoadInt64(&ls.errors),
		}
		return true
	})

	goroutines := runtime.NumGoroutine()
	log.WithComponent("report").WithFields(Fields{
		"goroutines":     goroutines,
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"channels":       channelData,
		"components":     componentData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("HostCPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("HostMemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(goroutines))},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}
	for name, stats := range channelData {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("VenueMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("VenueBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}
	for name, stats := range componentData {
		dims := []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("ComponentWarnings"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["warns"]))},
			cwtypes.MetricDatum{MetricName: aws.String("ComponentErrors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["errors"]))},
		)
	}

	publishMetrics(ctx, data)
}
