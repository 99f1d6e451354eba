package metrics

import (
	"net/http"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/armon/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label 指标标签
type Label = gometrics.Label

var (
	initOnce sync.Once
	initErr  error
)

// Initialize 初始化全局指标收集器，使用 Prometheus sink，只执行一次
func Initialize(serviceName string) error {
	initOnce.Do(func() {
		sink, err := prometheus.NewPrometheusSink()
		if err != nil {
			initErr = err
			return
		}

		conf := gometrics.DefaultConfig(serviceName)
		conf.EnableHostname = false
		conf.EnableRuntimeMetrics = false
		_, initErr = gometrics.NewGlobal(conf, sink)
	})
	return initErr
}

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncrCounter 计数器加一
func IncrCounter(key []string, labels ...Label) {
	gometrics.IncrCounterWithLabels(key, 1, labels)
}

// MeasureSince 记录耗时
func MeasureSince(key []string, start time.Time, labels ...Label) {
	gometrics.MeasureSinceWithLabels(key, start, labels)
}

// SetGauge 设置仪表值
func SetGauge(key []string, val float32, labels ...Label) {
	gometrics.SetGaugeWithLabels(key, val, labels)
}

// L 构造标签
func L(name, value string) Label {
	return Label{Name: name, Value: value}
}
