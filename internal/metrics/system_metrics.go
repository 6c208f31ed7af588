package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhoini/premium-gate/pkg/logger"
)

// SystemMetrics периодически снимает состояние рантайма и внешних пулов
type SystemMetrics interface {
	Record()
	StartRecording(interval time.Duration)
	Stop()
}

// Sampler значение, которое снимается при каждой записи (например, статистика пула соединений)
type Sampler struct {
	Name string
	Help string
	Read func() float64
}

type sampledGauge struct {
	gauge prometheus.Gauge
	read  func() float64
}

type systemMetrics struct {
	log      *logger.Logger
	runtime  *prometheus.GaugeVec
	samplers []sampledGauge
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSystemMetrics регистрирует метрики рантайма и дополнительные семплеры
func NewSystemMetrics(registry *prometheus.Registry, log *logger.Logger, samplers ...Sampler) SystemMetrics {
	factory := promauto.With(registry)

	m := &systemMetrics{
		log: log,
		runtime: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "system_runtime",
				Help: "Go runtime statistics by name",
			},
			[]string{"stat"},
		),
		stopCh: make(chan struct{}),
	}

	for _, s := range samplers {
		m.samplers = append(m.samplers, sampledGauge{
			gauge: factory.NewGauge(prometheus.GaugeOpts{Name: s.Name, Help: s.Help}),
			read:  s.Read,
		})
	}
	return m
}

// Record снимает текущие значения
func (m *systemMetrics) Record() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := map[string]float64{
		"goroutines":        float64(runtime.NumGoroutine()),
		"heap_alloc_bytes":  float64(ms.HeapAlloc),
		"total_alloc_bytes": float64(ms.TotalAlloc),
		"sys_bytes":         float64(ms.Sys),
		"gc_cycles":         float64(ms.NumGC),
	}
	for stat, v := range stats {
		m.runtime.WithLabelValues(stat).Set(v)
	}

	for _, s := range m.samplers {
		s.gauge.Set(s.read())
	}
}

// StartRecording начинает запись метрик с заданным интервалом
func (m *systemMetrics) StartRecording(interval time.Duration) {
	m.Record()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Record()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.log.Infow("System metrics recording started", "interval", interval.String(), "samplers", len(m.samplers))
}

// Stop останавливает запись метрик; повторный вызов ничего не делает
func (m *systemMetrics) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.log.Info("System metrics recording stopped")
	})
}
