// Package brokers registers every broker backend with the default registry.
// Import it for side effects.
package brokers

import (
	_ "github.com/drblury/frameflow/transport/aws"
	_ "github.com/drblury/frameflow/transport/channel"
	_ "github.com/drblury/frameflow/transport/http"
	_ "github.com/drblury/frameflow/transport/kafka"
	"github.com/drblury/frameflow/transport/nats"
	"github.com/drblury/frameflow/transport/rabbitmq"
)

func init() {
	nats.Register()
	rabbitmq.Register()
}
