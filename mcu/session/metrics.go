package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metrics = struct {
	updates *prometheus.CounterVec
}{
	updates: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orb_mcu_firmware_update_total",
			Help: "MCU firmware delivery attempts by outcome",
		},
		[]string{"status"},
	),
}
