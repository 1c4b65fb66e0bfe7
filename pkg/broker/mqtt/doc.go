// Package mqtt is the MQTT backend of the gateway, built on the Eclipse Paho client.
//
// The client subscribes on demand to the topics clients ask for and hands every
// inbound message to the ingest adapter. Subscriptions are not resumed by the
// broker after a reconnect (clean sessions); instead the OnConnect hook lets the
// adapter re-issue them.
//
// Example configuration:
//
//	broker:
//	  type: mqtt
//	  mqtt:
//	    servers: ["tcp://127.0.0.1:1883"]
//	    qos: 1
//	    tls:
//	      caFile: /etc/livemq/ca.crt
//
// Try it with mosquitto:
//
//	mosquitto_pub -t sensor/1 -r -m '{"temp":21}'
package mqtt
