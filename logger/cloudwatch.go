package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	cwMu        sync.RWMutex
	cwClient    *cloudwatch.Client
	cwNamespace = "Venuestream"
	cwDashboard = "Venuestream"
)

// InitCloudWatch initialises the CloudWatch client using the provided region and
// namespace. If region is empty it falls back to the AWS_REGION environment
// variable. When the client cannot be created a warning is logged and
// metrics publishing stays disabled.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwMu.Lock()
	cwClient = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cwNamespace = namespace
	}
	if dashboard != "" {
		cwDashboard = dashboard
	}
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("initialized CloudWatch client")

	CreateDefaultDashboard(ctx)
}

func cloudWatch() (*cloudwatch.Client, string, string) {
	cwMu.RLock()
	defer cwMu.RUnlock()
	return cwClient, cwNamespace, cwDashboard
}

// publishMetrics sends data to CloudWatch when the client has been
// initialised and is a no-op otherwise.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	client, namespace, _ := cloudWatch()
	if client == nil || len(data) == 0 {
		return
	}

	log := GetLogger().WithComponent("cloudwatch")
	// PutMetricData accepts at most 1000 datums per call.
	for start := 0; start < len(data); start += 1000 {
		end := start + 1000
		if end > len(data) {
			end = len(data)
		}
		if _, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(namespace),
			MetricData: data[start:end],
		}); err != nil {
			log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return
		}
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// CreateDefaultDashboard ensures a basic dashboard exists when the CloudWatch
// client has been configured. Failures are logged but do not stop execution.
func CreateDefaultDashboard(ctx context.Context) {
	client, namespace, dashboard := cloudWatch()
	if client == nil {
		return
	}

	body := fmt.Sprintf(`{
"widgets": [{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","HostCPUPercent"],
    ["%[1]s","HostMemoryMB"],
    ["%[1]s","Goroutines"]
],
"period": 60,
"stat": "Average",
"title": "Host"
}
},{
"type": "metric",
"width": 12,
"height": 6,
"properties": {
"metrics": [
    ["%[1]s","VenueMessages"],
    ["%[1]s","VenueBytes"],
    ["%[1]s","ComponentErrors"]
],
"period": 60,
"stat": "Sum",
"title": "Venue streams"
}
}]
}`, namespace)

	if _, err := client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(dashboard),
		DashboardBody: aws.String(body),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
