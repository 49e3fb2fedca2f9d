package notify

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareQueue declares the durable notification queue and its dead letter
// queue, named "<queue>.dlq".
func DeclareQueue(ch *amqp.Channel, queue string) error {
	var dlq = queue + ".dlq"

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}

	var args = amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return nil
}
