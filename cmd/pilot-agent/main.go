package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pilotproject/pilot/internal/agent"
	"github.com/pilotproject/pilot/internal/agent/configuration"
	"github.com/pilotproject/pilot/internal/common"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.AgentConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	v := common.LoadConfig(&config, "./config/pilot-agent", userSpecifiedConfigs)

	var pilots []configuration.PilotSpec
	if err := common.UnmarshalKey(v, "pilots", &pilots); err != nil {
		panic(err)
	}

	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	shutdown, wg, _ := agent.StartUp(context.Background(), config, pilots)
	go func() {
		<-shutdownChannel
		shutdown()
	}()
	wg.Wait()
}
