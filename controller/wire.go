package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/metrics"
	"github.com/devskill-org/heat-capacitor/prices"
	"github.com/devskill-org/heat-capacitor/publish"
	"github.com/devskill-org/heat-capacitor/sensor"
)

// countingProvider reports upstream fetches to the metrics.
type countingProvider struct {
	prices.Provider
	metrics *metrics.Metrics
}

func (p countingProvider) Schedule(ctx context.Context) (capacitor.PriceSchedule, error) {
	schedule, err := p.Provider.Schedule(ctx)
	p.metrics.PriceRefresh(err == nil)
	return schedule, err
}

// NewPriceProvider builds the configured price source behind a cache.
func NewPriceProvider(config *Config, m *metrics.Metrics) (*prices.CachedProvider, error) {
	fees := prices.Fees{OperatorFee: config.OperatorFee, DeliveryFee: config.DeliveryFee}

	var source prices.Provider
	switch config.PriceSource {
	case PriceSourceFile:
		source = &prices.FileProvider{Path: config.PriceFile, Fees: fees}
	case PriceSourceENTSOE:
		location, err := time.LoadLocation(config.Location)
		if err != nil {
			return nil, fmt.Errorf("invalid location: %w", err)
		}
		client := prices.NewAPIClient(config.APITimeout)
		client.SetUserAgent(config.UserAgent)
		source = &prices.ENTSOEProvider{
			Client:        client,
			SecurityToken: config.SecurityToken,
			URLFormat:     config.UrlFormat,
			Location:      location,
			Fees:          fees,
		}
	default:
		return nil, fmt.Errorf("invalid price_source: %s", config.PriceSource)
	}

	return prices.NewCachedProvider(countingProvider{Provider: source, metrics: m}, config.PriceRefreshInterval), nil
}

// NewTemperatureReader builds the configured sensor.
func NewTemperatureReader(config *Config) (sensor.TemperatureReader, error) {
	switch config.SensorSource {
	case SensorSourceStatic:
		return sensor.StaticReader{Temperature: config.StaticTemperature}, nil
	case SensorSourceModbus:
		return sensor.NewModbusReader(sensor.ModbusConfig{
			Address:      config.SensorAddress,
			SlaveID:      config.SensorSlaveID,
			Register:     config.SensorRegister,
			RegisterType: config.SensorRegisterType,
			Scale:        config.SensorScale,
			Timeout:      config.SensorTimeout,
		})
	}
	return nil, fmt.Errorf("invalid sensor_source: %s", config.SensorSource)
}

// NewSink builds the output sinks. Decisions are always logged; in dry-run
// mode nothing else is published.
func NewSink(config *Config, logger *slog.Logger) (publish.Sink, error) {
	sinks := publish.Multi{publish.LogSink{Logger: logger.With("component", "decisions")}}
	if config.DryRun {
		return sinks, nil
	}

	if config.MQTTBroker != "" {
		mqttSink, err := publish.NewMQTTSink(publish.MQTTConfig{
			Broker:   config.MQTTBroker,
			ClientID: config.MQTTClientID,
			Topic:    config.MQTTTopic,
			QoS:      config.MQTTQoS,
			Retained: config.MQTTRetained,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, mqttSink)
	}

	if len(config.KafkaBrokers) > 0 {
		kafkaSink, err := publish.NewKafkaSink(config.KafkaBrokers, config.KafkaTopic)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, kafkaSink)
	}

	return sinks, nil
}

// Build wires a controller and its collaborators from config.
func Build(ctx context.Context, config *Config, logger *slog.Logger, accessLog io.Writer) (*Controller, error) {
	m := metrics.NewMetrics()

	provider, err := NewPriceProvider(config, m)
	if err != nil {
		return nil, err
	}

	reader, err := NewTemperatureReader(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create temperature reader: %w", err)
	}

	sink, err := NewSink(config, logger)
	if err != nil {
		closeReader(reader)
		return nil, fmt.Errorf("failed to create sinks: %w", err)
	}

	var store DecisionStore
	if config.PostgresConnString != "" {
		pg, err := OpenPostgresStore(ctx, config.PostgresConnString)
		if err != nil {
			logger.Error("decision history disabled", "error", err)
		} else {
			store = pg
		}
	}

	c, err := NewController(config, Dependencies{
		Prices:  provider,
		Reader:  reader,
		Sink:    sink,
		Store:   store,
		Metrics: m,
	}, logger)
	if err != nil {
		sink.Close()
		closeReader(reader)
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	return c.WithWebServer(accessLog), nil
}

// closeReader releases readers that hold a connection, such as Modbus.
func closeReader(reader sensor.TemperatureReader) {
	if closer, ok := reader.(io.Closer); ok {
		closer.Close()
	}
}
