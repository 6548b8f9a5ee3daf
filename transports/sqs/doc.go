// Package sqs adapts AWS SQS to the worker runtime.
//
// [Transport] implements messaging.VisibilityTransport and
// messaging.Acknowledger on top of the AWS SDK v2 SQS client. Received
// messages are converted with [FromSQS] or [NewDelivery] so the processor can
// renew and settle them:
//
//	transport, err := sqs.New(&awsCfg)
//	out, err := sqsClient.ReceiveMessage(ctx, input)
//	delivery := sqs.NewDelivery(queueURL, out.Messages, false, 0)
//	err = processor.Process(ctx, contracts.QueueRef{Name: "images", Address: queueURL}, delivery)
//
// The VisibilityTimeout queue attribute is cached per queue URL, see
// [WithVisibilityCacheTTL].
package sqs
