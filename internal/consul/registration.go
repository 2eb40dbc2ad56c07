package consul_client

import (
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/config"
)

// Connect establishes a connection to the Consul agent.
func Connect(consulAddress string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Attempting to connect to Consul agent", zap.String("address", consulAddress))
	cfg := consulapi.DefaultConfig()
	cfg.Address = consulAddress
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		logger.Error("Failed to create Consul client", zap.Error(err))
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	_, err = client.Agent().Self() // Ping agent
	if err != nil {
		logger.Error("Failed to ping Consul agent", zap.Error(err))
		return nil, fmt.Errorf("failed to connect/ping consul agent: %w", err)
	}
	logger.Info("Successfully connected to Consul agent", zap.String("address", consulAddress))
	return client, nil
}

// RegisterService registers this service instance with Consul.
func RegisterService(consulClient *consulapi.Client, cfg *config.Config, serviceID string, logger *zap.Logger) error {
	// Assumes cfg.Port is in format ":8080".
	host, portStr, err := net.SplitHostPort(cfg.Port)
	if err != nil {
		portStr = cfg.Port
		host = "" // Let Consul figure out the address
		logger.Warn("Could not split host/port, assuming config value is port", zap.String("port_config", cfg.Port))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Error("Invalid port number in config", zap.String("port_config", cfg.Port), zap.Error(err))
		return fmt.Errorf("invalid port number '%s': %w", portStr, err)
	}

	address := host

	registration := &consulapi.AgentServiceRegistration{
		ID:      serviceID,
		Name:    cfg.ServiceName,
		Port:    port,
		Address: address,
		Tags:    cfg.ServiceTags,

		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", getCheckAddress(address), port, cfg.HealthCheckPath),
			Interval:                       cfg.HealthCheckInterval.String(),
			Timeout:                        cfg.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	err = consulClient.Agent().ServiceRegister(registration)
	if err != nil {
		logger.Error("Failed to register service with Consul", zap.Error(err))
		return fmt.Errorf("failed to register service '%s' with Consul: %w", cfg.ServiceName, err)
	}

	return nil
}

// getCheckAddress determines the address to use for the Consul health check URL.
// If the provided service address is empty or unspecified (0.0.0.0), use 127.0.0.1.
func getCheckAddress(serviceAddress string) string {
	if serviceAddress == "" || serviceAddress == "0.0.0.0" {
		return "127.0.0.1"
	}
	return serviceAddress
}
