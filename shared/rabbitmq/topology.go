package rabbitmq

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DSN returns the AMQP URL, building it from the discrete fields when URL is empty
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	vhost := c.VHost
	if vhost == "" || vhost == "/" {
		vhost = "/"
	} else {
		vhost = "/" + url.PathEscape(vhost)
	}

	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		vhost,
	)
}

// DeadQueueName is where rejected messages end up
func (c *Config) DeadQueueName() string {
	return c.QueueName + ".dead"
}

// RetryQueueName holds messages waiting for their retry delay
func (c *Config) RetryQueueName() string {
	return c.QueueName + ".retry"
}

// MainQueueArgs routes nacked messages to the dead-letter queue via the default exchange
func (c *Config) MainQueueArgs() amqp.Table {
	if !c.DeadLetter {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": c.DeadQueueName(),
	}
}

// RetryQueueArgs sends expired messages back through the main exchange
func (c *Config) RetryQueueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    c.ExchangeName,
		"x-dead-letter-routing-key": c.RoutingKey,
	}
}

func newPublishing(body []byte, contentType string, delay time.Duration) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  contentType,
		Body:         body,
		DeliveryMode: amqp.Persistent, // persistent
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		msg.Expiration = expiration(delay)
	}
	return msg
}

// expiration formats a per-message TTL in milliseconds, at least 1
func expiration(delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

func backoff(base time.Duration, mult float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}
