package main

import (
	"flag"

	"github.com/go-i2p/logger"

	"github.com/theaky/kovri/lib/config"
	"github.com/theaky/kovri/lib/router"
	"github.com/theaky/kovri/lib/util/signals"
)

var log = logger.GetGoI2PLogger()

func main() {
	cfgFile := flag.String("config", "", "Path to the config file")
	flag.Parse()
	config.CfgFile = *cfgFile
	config.InitConfig()

	go signals.Handle()
	log.Debug("parsing kovri router configuration")
	log.Debug("starting up kovri router")
	r, err := router.CreateRouter(config.RouterConfigProperties,
		router.DropTransports{}, nil, nil)
	if err != nil {
		log.Errorf("failed to create kovri router: %s", err)
		return
	}
	signals.RegisterReloadHandler(func() {
		config.UpdateRouterConfig()
	})
	signals.RegisterInterruptHandler(func() {
		r.Stop()
	})
	r.Start()
	r.Wait()
}
