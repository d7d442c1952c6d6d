package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to executor map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct2{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)

	type testTask struct {
		value string
	}
	received := make(chan string, 4)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(testTask{}): func(p interface{}) error {
			task, ok := p.(testTask)
			assert.True(ok)
			received <- task.value
			return nil
		},
	}))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: submitted params reach the handler in order
	{
		assert.Nil(uut.Submit(testTask{value: "unit-test-1"}, ctxt))
		assert.Nil(uut.Submit(testTask{value: "unit-test-2"}, ctxt))
		for _, expected := range []string{"unit-test-1", "unit-test-2"} {
			select {
			case seen := <-received:
				assert.Equal(expected, seen)
			case <-time.After(time.Second):
				assert.FailNow("handler was not called")
			}
		}
	}

	// Case 2: submit fails once the caller context is cancelled and the task
	// buffer is full
	{
		idle, err := GetNewTaskProcessorInstance("testing-idle", 1, ctxt)
		assert.Nil(err)
		assert.Nil(idle.Submit(testTask{value: "filler"}, ctxt))
		callCtxt, callCancel := context.WithCancel(context.Background())
		callCancel()
		assert.NotNil(idle.Submit(testTask{value: "rejected"}, callCtxt))
	}
}
