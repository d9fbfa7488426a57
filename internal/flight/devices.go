package flight

import (
	"context"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"dtrq-ng/internal/mux"
)

func (c *Controller) GetMainRotation(ctx context.Context) (Reading[quat.Number], error) {
	return c.GetRotation(ctx, mux.Main)
}

func (c *Controller) GetTBRotation(ctx context.Context) (Reading[quat.Number], error) {
	return c.GetRotation(ctx, mux.ThrusterB)
}

func (c *Controller) GetTCRotation(ctx context.Context) (Reading[quat.Number], error) {
	return c.GetRotation(ctx, mux.ThrusterC)
}

func (c *Controller) GetTDRotation(ctx context.Context) (Reading[quat.Number], error) {
	return c.GetRotation(ctx, mux.ThrusterD)
}

func (c *Controller) GetTERotation(ctx context.Context) (Reading[quat.Number], error) {
	return c.GetRotation(ctx, mux.ThrusterE)
}

func (c *Controller) GetMainWorldAcceleration(ctx context.Context) (Reading[r3.Vec], error) {
	return c.GetWorldAcceleration(ctx, mux.Main)
}

func (c *Controller) GetTBWorldAcceleration(ctx context.Context) (Reading[r3.Vec], error) {
	return c.GetWorldAcceleration(ctx, mux.ThrusterB)
}

func (c *Controller) GetTCWorldAcceleration(ctx context.Context) (Reading[r3.Vec], error) {
	return c.GetWorldAcceleration(ctx, mux.ThrusterC)
}

func (c *Controller) GetTDWorldAcceleration(ctx context.Context) (Reading[r3.Vec], error) {
	return c.GetWorldAcceleration(ctx, mux.ThrusterD)
}

func (c *Controller) GetTEWorldAcceleration(ctx context.Context) (Reading[r3.Vec], error) {
	return c.GetWorldAcceleration(ctx, mux.ThrusterE)
}
