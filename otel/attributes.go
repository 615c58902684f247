package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrStream        = attribute.Key("messaging.destination.name")
	AttrGroup         = attribute.Key("messaging.consumer.group.name")
	AttrEntryID       = attribute.Key("messaging.message.id")
	AttrPollStatus    = attribute.Key("healthstream.poll.status")
	AttrPersistStatus = attribute.Key("healthstream.persist.status")
	AttrProduceStatus = attribute.Key("healthstream.produce.status")
	AttrErrorAction   = attribute.Key("healthstream.error.action")
	AttrErrorPhase    = attribute.Key("healthstream.error.phase")
)

// Status values
const (
	StatusSuccess      = "success"
	StatusEmpty        = "empty"
	StatusDuplicate    = "duplicate"
	StatusDeadLettered = "dead_lettered"
	StatusPending      = "pending"
	StatusError        = "error"
	StatusUnavailable  = "unavailable"
)
