package enginerun_test

import (
	"context"
	"fmt"

	"github.com/dmora/enginerun"
	"github.com/dmora/enginerun/enginetest"
)

func ExampleClient_Evaluate() {
	engine := enginetest.New()
	defer engine.Close()
	engine.HandleStream("evaluate",
		`{"run":{"id":"r1","type":"runStart"}}`,
		`{"stdout":"Hello!"}`,
		`{"run":{"id":"r1","type":"runFinish"}}`,
	)

	client, err := enginerun.NewClient(enginerun.WithURL(engine.URL()))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer client.Close()

	run, err := client.Evaluate(context.Background(),
		enginerun.RunOptions{Input: "say hi"},
		enginerun.ToolDef{Name: "greeter", Instructions: "Say hello."})
	if err != nil {
		fmt.Println(err)
		return
	}
	out, err := run.Text(context.Background())
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(out)
	// Output: Hello!
}

func ExampleRunState_IsTerminal() {
	fmt.Println(enginerun.RunStateFinished.IsTerminal())
	fmt.Println(enginerun.RunStateContinue.IsTerminal())
	// Output:
	// true
	// false
}
